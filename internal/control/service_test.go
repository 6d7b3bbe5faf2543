package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezviz-cas/cas-bridge/internal/models"
	"github.com/ezviz-cas/cas-bridge/internal/validation"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

type fakeController struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeController) SetCameraDefenceState(ctx context.Context, serial string, enable int) (bool, error) {
	f.calls++
	return f.ok, f.err
}

type fakeRecorder struct {
	mu   sync.Mutex
	cmds []*models.DefenceCommand
	err  error
}

func (f *fakeRecorder) CreateDefenceCommand(ctx context.Context, cmd *models.DefenceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.cmds = append(f.cmds, cmd)
	return f.err
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func TestSetDefenceSuccess(t *testing.T) {
	ctrl := &fakeController{ok: true}
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	svc := NewService(ctrl, rec, pub)

	cmd, err := svc.SetDefence(context.Background(), Request{Serial: "123456789", Enable: 1, Source: models.SourceAPI, RequestedBy: "admin"})
	require.NoError(t, err)
	assert.True(t, cmd.Success)
	assert.Equal(t, "admin", cmd.RequestedBy)
	assert.Equal(t, 1, ctrl.calls)

	require.Len(t, rec.cmds, 1)
	assert.Same(t, cmd, rec.cmds[0])

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "cas.device.123456789.defence.changed", pub.msgs[0].subject)

	var ev models.Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &ev))
	assert.Equal(t, models.EventTypeDefenceArmed, ev.Type)
	assert.Equal(t, cmd.ID.String(), ev.Details["commandId"])
}

func TestSetDefenceFailureIsRecorded(t *testing.T) {
	casErr := &cas.OpError{State: cas.StateNegotiating, Serial: "123456789", Err: cas.ErrTransportTimeout}
	ctrl := &fakeController{err: casErr}
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	svc := NewService(ctrl, rec, pub)

	cmd, err := svc.SetDefence(context.Background(), Request{Serial: "123456789", Enable: 0, Source: models.SourceNATS})
	assert.ErrorIs(t, err, cas.ErrTransportTimeout)
	require.NotNil(t, cmd)
	assert.False(t, cmd.Success)
	assert.Equal(t, "negotiating", cmd.Details["state"])
	assert.Equal(t, "timeout", cmd.Details["kind"])

	require.Len(t, rec.cmds, 1)
	require.Len(t, pub.msgs, 1)
}

func TestSetDefenceValidation(t *testing.T) {
	ctrl := &fakeController{ok: true}
	rec := &fakeRecorder{}
	svc := NewService(ctrl, rec, nil)

	for _, req := range []Request{
		{Serial: "", Enable: 1, Source: models.SourceCLI},
		{Serial: "123-456", Enable: 1, Source: models.SourceCLI},
		{Serial: "123456789", Enable: 2, Source: models.SourceCLI},
		{Serial: "123456789", Enable: 1},
	} {
		cmd, err := svc.SetDefence(context.Background(), req)
		assert.Nil(t, cmd)
		assert.ErrorIs(t, err, validation.ErrValidation)
		assert.Equal(t, KindInvalidInput, Classify(err))
	}

	assert.Zero(t, ctrl.calls)
	assert.Empty(t, rec.cmds)
}

func TestSetDefenceAuditFailureDoesNotMaskResult(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("db down")}
	svc := NewService(&fakeController{ok: true}, rec, nil)

	cmd, err := svc.SetDefence(context.Background(), Request{Serial: "123456789", Enable: 1, Source: models.SourceCLI})
	require.NoError(t, err)
	assert.True(t, cmd.Success)
}

func TestSetDefenceAuditsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &fakeRecorder{}
	svc := NewService(&fakeController{err: context.Canceled}, rec, nil)

	_, err := svc.SetDefence(ctx, Request{Serial: "123456789", Enable: 1, Source: models.SourceCLI})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.cmds, 1)
}

func TestSetDefenceNotAcknowledged(t *testing.T) {
	svc := NewService(&fakeController{ok: false}, nil, nil)

	cmd, err := svc.SetDefence(context.Background(), Request{Serial: "123456789", Enable: 1, Source: models.SourceCLI})
	assert.Error(t, err)
	assert.False(t, cmd.Success)
}

func TestClassify(t *testing.T) {
	cases := map[ErrorKind]error{
		KindInvalidHost:  fmt.Errorf("wrap: %w", cas.ErrInvalidHost),
		KindTimeout:      &cas.OpError{Err: cas.ErrTransportTimeout},
		KindProtocol:     &cas.OpError{Err: cas.ErrProtocolDecode},
		KindInvalidInput: cas.ErrInvalidField,
		KindCanceled:     context.Canceled,
		KindUnknown:      errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Classify(err), want.String())
	}
	assert.Equal(t, KindProtocol, Classify(cas.ErrInvalidKeyMaterial))
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, []byte) error { return errors.New("broker down") }

func TestPublishersFanOut(t *testing.T) {
	a, b := &fakePublisher{}, &fakePublisher{}
	pubs := Publishers{a, failingPublisher{}, b}

	err := pubs.Publish("cas.device.1.defence.changed", []byte("{}"))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)

	assert.NoError(t, Publishers{a}.Publish("x", nil))
}
