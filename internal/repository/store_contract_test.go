package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moldflow/backend/pkg/models"
)

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	newChecklist := func(templateID string, version int) *models.Record {
		return &models.Record{
			Type:       models.TypeChecklistMaster,
			MoldID:     "MOLD-" + templateID[:8],
			TemplateID: templateID,
			Version:    version,
			Status:     "draft",
			Fields:     map[string]string{"title": "daily check"},
			Decisions:  map[models.Gate]models.ApprovalDecision{},
			Stamps:     map[models.Status]models.Stamp{"draft": {By: "dev1@hq.example", At: now}},
			Items:      []models.ChecklistItem{{Code: "C1", Title: "Cooling lines", CycleShots: 5000}},
			CreatedBy:  "dev1@hq.example",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	createEvent := func(rec *models.Record) *models.TransitionEvent {
		return &models.TransitionEvent{
			WorkflowType: rec.Type,
			Action:       models.ActionCreate,
			ToStatus:     rec.Status,
			ActorID:      rec.CreatedBy,
			ActorRole:    models.RoleDeveloper,
			OccurredAt:   now,
		}
	}

	t.Run("Companies", func(t *testing.T) {
		c := &models.Company{Name: "Plant A", Domain: "Plant-A.example", Kind: models.CompanyPlant}
		require.NoError(t, store.CreateCompany(ctx, c))
		assert.NotEmpty(t, c.ID)

		got, err := store.GetCompanyByDomain(ctx, "plant-a.example")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, models.CompanyPlant, got.Kind)

		_, err = store.GetCompanyByDomain(ctx, "nowhere.example")
		assert.ErrorIs(t, err, ErrNotFound)

		byID, err := store.GetCompany(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "plant-a.example", byID.Domain)

		_, err = store.GetCompany(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := store.ListCompanies(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)
	})

	t.Run("Create and Get record", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		ev := createEvent(rec)
		require.NoError(t, store.CreateRecord(ctx, rec, ev))
		require.NotEmpty(t, rec.ID)
		assert.Equal(t, rec.ID, ev.RecordID)

		got, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Fields, got.Fields)
		assert.Equal(t, rec.Items, got.Items)
		assert.Equal(t, models.Status("draft"), got.Status)
		assert.True(t, now.Equal(got.CreatedAt))
		assert.True(t, now.Equal(got.Stamps["draft"].At))

		_, err = store.GetRecord(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)

		last, err := store.LastEvent(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreate, last.Action)
	})

	t.Run("UpdateDraft", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		require.NoError(t, store.CreateRecord(ctx, rec, createEvent(rec)))

		rec.Fields["title"] = "weekly check"
		rec.Items = append(rec.Items, models.ChecklistItem{Code: "C2", Title: "Ejector pins"})
		rec.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, store.UpdateDraft(ctx, rec))

		got, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "weekly check", got.Fields["title"])
		assert.Len(t, got.Items, 2)

		missing := newChecklist(uuid.New().String(), 1)
		missing.ID = uuid.New().String()
		assert.ErrorIs(t, store.UpdateDraft(ctx, missing), ErrNotFound)
	})

	t.Run("Deploy keeps one current version per template", func(t *testing.T) {
		templateID := uuid.New().String()
		v1 := newChecklist(templateID, 1)
		require.NoError(t, store.CreateRecord(ctx, v1, createEvent(v1)))
		v2 := newChecklist(templateID, 2)
		require.NoError(t, store.CreateRecord(ctx, v2, createEvent(v2)))

		deploy := func(rec *models.Record, at time.Time) {
			from, prev := rec.Status, rec.UpdatedAt
			rec.Status = "deployed"
			rec.IsCurrentDeployed = true
			rec.UpdatedAt = at
			require.NoError(t, store.ApplyTransition(ctx, Transition{
				Record: rec,
				Event: &models.TransitionEvent{
					WorkflowType: rec.Type, RecordID: rec.ID, Action: "deploy",
					FromStatus: from, ToStatus: "deployed",
					ActorID: "dev1@hq.example", ActorRole: models.RoleDeveloper, OccurredAt: at,
				},
				Expected: prev,
			}))
		}
		deploy(v1, now.Add(time.Minute))
		deploy(v2, now.Add(2*time.Minute))

		versions, err := store.ListRecords(ctx, models.RecordQuery{Type: models.TypeChecklistMaster, TemplateID: templateID})
		require.NoError(t, err)
		require.Len(t, versions, 2)
		current := 0
		for _, v := range versions {
			if v.IsCurrentDeployed {
				current++
				assert.Equal(t, 2, v.Version)
			}
		}
		assert.Equal(t, 1, current)

		got, err := store.GetRecord(ctx, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, models.Status("deployed"), got.Status)
		assert.False(t, got.IsCurrentDeployed)
	})

	t.Run("Spawn allocates next version", func(t *testing.T) {
		templateID := uuid.New().String()
		src := newChecklist(templateID, 1)
		require.NoError(t, store.CreateRecord(ctx, src, createEvent(src)))
		other := newChecklist(templateID, 4)
		require.NoError(t, store.CreateRecord(ctx, other, createEvent(other)))

		spawn := newChecklist(templateID, 0)
		spawnEvent := createEvent(spawn)
		at := now.Add(time.Hour)
		require.NoError(t, store.ApplyTransition(ctx, Transition{
			Record: src,
			Event: &models.TransitionEvent{
				WorkflowType: src.Type, RecordID: src.ID, Action: "clone",
				FromStatus: src.Status, ToStatus: src.Status,
				ActorID: "dev1@hq.example", ActorRole: models.RoleDeveloper, OccurredAt: at,
			},
			Expected:   src.UpdatedAt,
			Spawn:      spawn,
			SpawnEvent: spawnEvent,
		}))
		assert.Equal(t, 5, spawn.Version)
		assert.NotEmpty(t, spawn.ID)
		assert.Equal(t, spawn.ID, spawnEvent.RecordID)

		history, err := store.ListEvents(ctx, spawn.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.ActionCreate, history[0].Action)
	})

	t.Run("ApplyTransition on missing record", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		rec.ID = uuid.New().String()
		err := store.ApplyTransition(ctx, Transition{
			Record: rec,
			Event:    &models.TransitionEvent{WorkflowType: rec.Type, RecordID: rec.ID, Action: "approve", FromStatus: "draft", ToStatus: "approved", OccurredAt: now},
			Expected: now,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ApplyTransition rejects a stale read", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		require.NoError(t, store.CreateRecord(ctx, rec, createEvent(rec)))

		submit := func(expected time.Time, at time.Time) error {
			next := rec.Copy()
			next.Status = "review"
			next.UpdatedAt = at
			return store.ApplyTransition(ctx, Transition{
				Record: next,
				Event: &models.TransitionEvent{
					WorkflowType: rec.Type, RecordID: rec.ID, Action: "submit_for_review",
					FromStatus: "draft", ToStatus: "review",
					ActorID: "dev1@hq.example", ActorRole: models.RoleDeveloper, OccurredAt: at,
				},
				Expected: expected,
			})
		}

		// both callers read the record at now; only the first write lands
		require.NoError(t, submit(now, now.Add(time.Minute)))
		assert.ErrorIs(t, submit(now, now.Add(2*time.Minute)), ErrConflict)

		// a matching timestamp with a moved status is stale too
		assert.ErrorIs(t, submit(now.Add(time.Minute), now.Add(3*time.Minute)), ErrConflict)

		history, err := store.ListEvents(ctx, rec.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)

		got, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.Status("review"), got.Status)
		assert.True(t, now.Add(time.Minute).Equal(got.UpdatedAt))
	})

	t.Run("Outbox and notifications", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		ev := createEvent(rec)
		require.NoError(t, store.CreateRecord(ctx, rec, ev))

		pending, err := store.PendingEvents(ctx, 500)
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		found := false
		for _, p := range pending {
			ids = append(ids, p.ID)
			found = found || p.ID == ev.ID
		}
		assert.True(t, found)
		require.NoError(t, store.MarkEventsDelivered(ctx, ids, now.Add(time.Second)))

		pending, err = store.PendingEvents(ctx, 500)
		require.NoError(t, err)
		assert.Empty(t, pending)

		history, err := store.ListEvents(ctx, rec.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.NotNil(t, history[0].DeliveredAt)

		batch := func() []*models.Notification {
			return []*models.Notification{
				{EventID: ev.ID, RecordID: rec.ID, WorkflowType: rec.Type, RecipientRole: models.RoleDeveloper,
					Title: "new checklist", Message: "draft created", CreatedAt: now},
				{EventID: ev.ID, RecordID: rec.ID, WorkflowType: rec.Type, RecipientID: "maker1@maker.example",
					Title: "new checklist", Message: "draft created", CreatedAt: now},
			}
		}
		inserted, err := store.CreateNotifications(ctx, batch())
		require.NoError(t, err)
		assert.Len(t, inserted, 2)

		inserted, err = store.CreateNotifications(ctx, batch())
		require.NoError(t, err)
		assert.Empty(t, inserted, "redelivery must not duplicate notifications")

		dev := models.Actor{ID: "dev9@hq.example", Role: models.RoleDeveloper}
		feed, err := store.ListNotifications(ctx, models.NotificationQuery{Role: dev.Role, ActorID: dev.ID, UnreadOnly: true})
		require.NoError(t, err)
		require.NotEmpty(t, feed)
		var mine *models.Notification
		for _, n := range feed {
			assert.Equal(t, models.RoleDeveloper, n.RecipientRole)
			if n.EventID == ev.ID {
				mine = n
			}
		}
		require.NotNil(t, mine)

		maker := models.Actor{ID: "maker1@maker.example", Role: models.RoleMaker}
		assert.ErrorIs(t, store.MarkNotificationRead(ctx, mine.ID, maker, now), ErrNotFound)
		require.NoError(t, store.MarkNotificationRead(ctx, mine.ID, dev, now))

		feed, err = store.ListNotifications(ctx, models.NotificationQuery{Role: dev.Role, ActorID: dev.ID, UnreadOnly: true})
		require.NoError(t, err)
		for _, n := range feed {
			assert.NotEqual(t, mine.ID, n.ID)
		}

		makerFeed, err := store.ListNotifications(ctx, models.NotificationQuery{Role: maker.Role, ActorID: maker.ID})
		require.NoError(t, err)
		require.NotEmpty(t, makerFeed)
		assert.Equal(t, "maker1@maker.example", makerFeed[0].RecipientID)
	})

	t.Run("Company scoped notifications", func(t *testing.T) {
		rec := newChecklist(uuid.New().String(), 1)
		ev := createEvent(rec)
		require.NoError(t, store.CreateRecord(ctx, rec, ev))

		companyA, companyB := uuid.New().String(), uuid.New().String()
		inserted, err := store.CreateNotifications(ctx, []*models.Notification{
			{EventID: ev.ID, RecordID: rec.ID, WorkflowType: rec.Type, RecipientRole: models.RolePlant,
				CompanyID: companyA, Title: "inspect", Message: "ready for inspection", CreatedAt: now},
		})
		require.NoError(t, err)
		require.Len(t, inserted, 1)
		scoped := inserted[0]

		find := func(actor models.Actor) bool {
			feed, err := store.ListNotifications(ctx, models.NotificationQuery{
				Role: actor.Role, CompanyID: actor.CompanyID, ActorID: actor.ID, Limit: 500,
			})
			require.NoError(t, err)
			for _, n := range feed {
				if n.ID == scoped.ID {
					assert.Equal(t, companyA, n.CompanyID)
					return true
				}
			}
			return false
		}

		own := models.Actor{ID: "line1@plant-a.example", Role: models.RolePlant, CompanyID: companyA}
		other := models.Actor{ID: "line1@plant-b.example", Role: models.RolePlant, CompanyID: companyB}
		assert.True(t, find(own))
		assert.False(t, find(other))

		assert.ErrorIs(t, store.MarkNotificationRead(ctx, scoped.ID, other, now), ErrNotFound)
		assert.NoError(t, store.MarkNotificationRead(ctx, scoped.ID, own, now))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
