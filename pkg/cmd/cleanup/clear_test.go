package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/instance"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
)

type fakeRemover struct {
	keep []int
	err  error
}

func (f *fakeRemover) RemoveProvisioned(keep ...int) (int, error) {
	f.keep = keep
	return 3, f.err
}

type fakeSource struct {
	modes []model.ReloadMode
	err   error
}

func (f *fakeSource) Start(context.Context) (<-chan telemetry.Event, error) {
	return nil, nil
}

func (f *fakeSource) RequestReload(_ context.Context, mode model.ReloadMode, _ int) error {
	f.modes = append(f.modes, mode)
	return f.err
}

func (f *fakeSource) Close() error { return nil }

func TestClear(t *testing.T) {
	tests := []struct {
		name       string
		removeErr  error
		reloadErr  error
		wantErr    bool
		wantReload []model.ReloadMode
	}{
		{name: "ok", wantReload: []model.ReloadMode{model.ReloadModeAll}},
		{
			name:       "reload failure is not fatal",
			reloadErr:  errors.New("timeout"),
			wantReload: []model.ReloadMode{model.ReloadModeAll},
		},
		{name: "remove failure", removeErr: errors.New("denied"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemover{err: tt.removeErr}
			src := &fakeSource{err: tt.reloadErr}
			err := Clear(context.Background(), r, src, 4711)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []int{4711}, r.keep)
			assert.Equal(t, tt.wantReload, src.modes)
		})
	}
}

func TestClearLockedWhileRunning(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "eqpaint.lock")
	running, err := instance.Acquire(lockPath)
	require.NoError(t, err)

	r := &fakeRemover{}
	src := &fakeSource{}
	err = ClearLocked(context.Background(), lockPath, r, src, 4711)
	assert.ErrorIs(t, err, instance.ErrAlreadyRunning)
	assert.Nil(t, r.keep, "nothing removed while another instance runs")
	assert.Empty(t, src.modes)

	require.NoError(t, running.Release())
	require.NoError(t, ClearLocked(context.Background(), lockPath, r, src, 4711))
	assert.Equal(t, []int{4711}, r.keep)
	assert.Equal(t, []model.ReloadMode{model.ReloadModeAll}, src.modes)

	// the lock is released again afterwards
	again, err := instance.Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
