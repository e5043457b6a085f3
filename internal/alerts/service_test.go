package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/messaging"
	"github.com/portcullis-systems/portcullis/internal/models"
)

type memAlertStore struct {
	created []*models.Alert
	listReq *models.ListAlertsRequest
}

func (m *memAlertStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	m.created = append(m.created, a)
	return nil
}

func (m *memAlertStore) ListAlerts(ctx context.Context, req *models.ListAlertsRequest) ([]models.Alert, int, error) {
	m.listReq = req
	return nil, 0, nil
}

func (m *memAlertStore) MarkAlertRead(ctx context.Context, id string) error { return nil }

func (m *memAlertStore) AlertStats(ctx context.Context, days int) ([]models.AlertStat, error) {
	return nil, nil
}

type capturePublisher struct {
	messages map[string][][]byte
}

func (c *capturePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if c.messages == nil {
		c.messages = make(map[string][][]byte)
	}
	c.messages[subject] = append(c.messages[subject], data)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func newTestService() (*Service, *memAlertStore, *capturePublisher) {
	store := &memAlertStore{}
	pub := &capturePublisher{}
	return NewService(store, pub, logging.New(slog.LevelError, "text")), store, pub
}

func TestEmit_AssignsIDAndDefaults(t *testing.T) {
	svc, store, pub := newTestService()

	a := &models.Alert{
		Type:    models.AlertUnknownBadge,
		Message: "unknown badge presented: FFFFFF",
	}
	require.NoError(t, svc.Emit(context.Background(), a))

	require.Len(t, store.created, 1)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, models.SeverityMedium, a.Severity)

	require.Len(t, pub.messages[messaging.SubjectAlertsCreated], 1)
	var published models.Alert
	require.NoError(t, json.Unmarshal(pub.messages[messaging.SubjectAlertsCreated][0], &published))
	assert.Equal(t, a.ID, published.ID)
}

func TestEmit_KeepsExplicitSeverity(t *testing.T) {
	svc, store, _ := newTestService()

	a := &models.Alert{
		Type:     models.AlertCloningAttempt,
		Severity: models.SeverityCritical,
		Message:  "cloning suspected",
	}
	require.NoError(t, svc.Emit(context.Background(), a))

	require.Len(t, store.created, 1)
	assert.Equal(t, models.SeverityCritical, store.created[0].Severity)
}

func TestNotifyAccessAttempt_PublishesToFeed(t *testing.T) {
	svc, store, pub := newTestService()

	svc.NotifyAccessAttempt(context.Background(), &AccessAttemptNotification{
		BadgeUID: "AABBCC",
		DeviceID: "ESP32-01",
		Granted:  true,
		Reason:   "access granted (individual badge)",
	})

	// The live feed is not a durable alert.
	assert.Empty(t, store.created)
	require.Len(t, pub.messages[messaging.SubjectAccessAttempt], 1)

	var n AccessAttemptNotification
	require.NoError(t, json.Unmarshal(pub.messages[messaging.SubjectAccessAttempt][0], &n))
	assert.Equal(t, "AABBCC", n.BadgeUID)
	assert.False(t, n.Timestamp.IsZero())
}

func TestNotifyDoorStatus_PublishesToFeed(t *testing.T) {
	svc, _, pub := newTestService()

	svc.NotifyDoorStatus(context.Background(), &DoorStatusNotification{
		DoorID: 1, DoorName: "Main Entrance", DeviceID: "ESP32-01", Online: false,
	})

	require.Len(t, pub.messages[messaging.SubjectDoorStatus], 1)
}

func TestList_ClampsPagination(t *testing.T) {
	svc, store, _ := newTestService()

	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLimit int
	}{
		{"zero values", 0, 0, 1, 50},
		{"negative page", -3, 10, 1, 10},
		{"oversized limit", 2, 500, 2, 50},
		{"in range", 3, 25, 3, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.List(context.Background(), &models.ListAlertsRequest{Page: tt.page, Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, store.listReq.Page)
			assert.Equal(t, tt.wantLimit, store.listReq.Limit)
		})
	}
}
