// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/system"
	"github.com/stretchr/testify/require"
)

type modifiedHookBase struct {
	HookBase
	err    error
	fail   bool
	failAt int
}

var errTestHook = errors.New("error")

func (h *modifiedHookBase) ID() string {
	return "modified"
}

func (h *modifiedHookBase) Init(config any) error {
	if config != nil {
		return errTestHook
	}
	return nil
}

func (h *modifiedHookBase) Provides(b byte) bool {
	return true
}

func (h *modifiedHookBase) Stop() error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnConnect(cl *Session, f frames.Frame) error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnPublish(cl *Session, f frames.Frame) (frames.Frame, error) {
	if h.fail {
		if h.err != nil {
			return f, h.err
		}

		return f, errTestHook
	}

	f.Headers.Set("modified", "true")
	return f, nil
}

func (h *modifiedHookBase) OnFrameRead(cl *Session, f frames.Frame) (frames.Frame, error) {
	if h.fail {
		if h.err != nil {
			return f, h.err
		}

		return f, errTestHook
	}

	f.Headers.Set("read", "true")
	return f, nil
}

func (h *modifiedHookBase) OnSubscribe(cl *Session, f frames.Frame) frames.Frame {
	f.Headers.Set(frames.HeaderAck, "client")
	return f
}

func (h *modifiedHookBase) OnUnsubscribe(cl *Session, f frames.Frame) frames.Frame {
	f.Headers.Set("unsubscribed", "true")
	return f
}

func (h *modifiedHookBase) StoredSessions() (v []storage.Session, err error) {
	if h.fail || h.failAt == 1 {
		return v, errTestHook
	}

	return []storage.Session{
		{ID: "cl1"},
		{ID: "cl2"},
		{ID: "cl3"},
	}, nil
}

func (h *modifiedHookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.fail || h.failAt == 2 {
		return v, errTestHook
	}

	return storage.SystemInfo{
		Info: system.Info{
			Version: "1.0.0",
		},
	}, nil
}

type providesCheckHook struct {
	HookBase
}

func (h *providesCheckHook) Provides(b byte) bool {
	return b == OnConnect
}

// recordingHook counts each notification it receives.
type recordingHook struct {
	HookBase
	started      int64
	stopped      int64
	available    int64
	unavailable  int64
	established  int64
	disconnected int64
	expired      int64
	subscribed   int64
	unsubscribed int64
	published    int64
	dropped      int64
	processed    int64
	sent         int64
	sysInfo      int64
	mu           sync.Mutex
	err          error
}

// lastErr returns the most recent non-nil disconnect error.
func (h *recordingHook) lastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *recordingHook) ID() string {
	return "recording"
}

func (h *recordingHook) Provides(b byte) bool {
	return true
}

func (h *recordingHook) OnStarted() { atomic.AddInt64(&h.started, 1) }
func (h *recordingHook) OnStopped() { atomic.AddInt64(&h.stopped, 1) }
func (h *recordingHook) OnBrokerAvailability(available bool) {
	if available {
		atomic.AddInt64(&h.available, 1)
		return
	}
	atomic.AddInt64(&h.unavailable, 1)
}
func (h *recordingHook) OnSysInfoTick(*system.Info) { atomic.AddInt64(&h.sysInfo, 1) }
func (h *recordingHook) OnSessionEstablished(cl *Session, f frames.Frame) {
	atomic.AddInt64(&h.established, 1)
}
func (h *recordingHook) OnDisconnect(cl *Session, err error) {
	if err != nil {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}
	atomic.AddInt64(&h.disconnected, 1)
}
func (h *recordingHook) OnSessionExpired(id string) { atomic.AddInt64(&h.expired, 1) }
func (h *recordingHook) OnSubscribed(cl *Session, sub Subscription) {
	atomic.AddInt64(&h.subscribed, 1)
}
func (h *recordingHook) OnUnsubscribed(cl *Session, sub Subscription) {
	atomic.AddInt64(&h.unsubscribed, 1)
}
func (h *recordingHook) OnPublished(cl *Session, f frames.Frame) { atomic.AddInt64(&h.published, 1) }
func (h *recordingHook) OnPublishDropped(cl *Session, f frames.Frame, err error) {
	atomic.AddInt64(&h.dropped, 1)
}
func (h *recordingHook) OnFrameProcessed(cl *Session, f frames.Frame, err error) {
	atomic.AddInt64(&h.processed, 1)
}
func (h *recordingHook) OnFrameSent(cl *Session, f frames.Frame, b []byte) {
	atomic.AddInt64(&h.sent, 1)
}

func TestHooksProvides(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(providesCheckHook), nil)
	require.NoError(t, err)

	err = h.Add(new(HookBase), nil)
	require.NoError(t, err)

	require.True(t, h.Provides(OnConnect, OnDisconnect))
	require.False(t, h.Provides(OnDisconnect))
}

func TestHooksAddLenGetAll(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), atomic.LoadInt64(&h.qty))
	require.Equal(t, int64(2), h.Len())

	all := h.GetAll()
	require.Equal(t, "base", all[0].ID())
	require.Equal(t, "modified", all[1].ID())
}

func TestHooksAddInitFailure(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), map[string]any{})
	require.Error(t, err)
	require.ErrorIs(t, err, errTestHook)
	require.Equal(t, int64(0), atomic.LoadInt64(&h.qty))
}

func TestHooksGetAllEmpty(t *testing.T) {
	h := new(Hooks)
	require.Empty(t, h.GetAll())
}

func TestHooksStop(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&h.qty))
	require.Equal(t, int64(1), h.Len())

	h.Stop()
}

func TestHooksStopFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	h.Stop()
}

func TestHooksNonReturns(t *testing.T) {
	h := new(Hooks)
	cl := new(Session)

	for i := 0; i < 2; i++ {
		t.Run("step-"+strconv.Itoa(i), func(t *testing.T) {
			// on first iteration, check without hook methods
			h.OnStarted()
			h.OnStopped()
			h.OnBrokerAvailability(true)
			h.OnSysInfoTick(new(system.Info))
			h.OnSessionEstablished(cl, frames.Frame{})
			h.OnDisconnect(cl, nil)
			h.OnSessionExpired("cl1")
			h.OnFrameSent(cl, frames.Frame{}, []byte{})
			h.OnFrameProcessed(cl, frames.Frame{}, nil)
			h.OnSubscribed(cl, Subscription{})
			h.OnUnsubscribed(cl, Subscription{})
			h.OnPublished(cl, frames.Frame{})
			h.OnPublishDropped(cl, frames.Frame{}, nil)

			// on second iteration, check added hook methods
			err := h.Add(new(modifiedHookBase), nil)
			require.NoError(t, err)
		})
	}
}

func TestHooksOnConnect(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.NoError(t, h.OnConnect(new(Session), frames.Frame{}))

	err = h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, h.OnConnect(new(Session), frames.Frame{}), errTestHook)
}

func TestHooksOnFrameRead(t *testing.T) {
	h := new(Hooks)
	h.Log = logger
	f := frames.New(frames.Send, frames.HeaderDestination, "/topic/a")

	fx, err := h.OnFrameRead(new(Session), f)
	require.NoError(t, err)
	require.Equal(t, f, fx)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	fx, err = h.OnFrameRead(new(Session), f)
	require.NoError(t, err)
	require.Equal(t, "true", fx.Header("read"))
}

func TestHooksOnFrameReadFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true, err: frames.ErrRejectFrame}, nil)
	require.NoError(t, err)

	_, err = h.OnFrameRead(new(Session), frames.Frame{})
	require.ErrorIs(t, err, frames.ErrRejectFrame)
}

func TestHooksOnPublish(t *testing.T) {
	h := new(Hooks)
	h.Log = logger
	f := frames.New(frames.Send, frames.HeaderDestination, "/topic/a")

	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	fx, err := h.OnPublish(new(Session), f)
	require.NoError(t, err)
	require.Equal(t, "true", fx.Header("modified"))
	require.False(t, f.Headers.Contains("modified"))
}

func TestHooksOnPublishFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	_, err = h.OnPublish(new(Session), frames.Frame{})
	require.ErrorIs(t, err, errTestHook)
}

func TestHooksOnPublishRejected(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true, err: frames.ErrRejectFrame}, nil)
	require.NoError(t, err)

	_, err = h.OnPublish(new(Session), frames.Frame{})
	require.ErrorIs(t, err, frames.ErrRejectFrame)
}

func TestHooksOnSubscribeUnsubscribe(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	f := h.OnSubscribe(new(Session), frames.New(frames.Subscribe, frames.HeaderID, "0"))
	require.Equal(t, "client", f.Header(frames.HeaderAck))

	f = h.OnUnsubscribe(new(Session), frames.New(frames.Unsubscribe, frames.HeaderID, "0"))
	require.Equal(t, "true", f.Header("unsubscribed"))
}

func TestHooksStoredSessions(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 0)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 3)
}

func TestHooksStoredSessionsFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{failAt: 1}, nil)
	require.NoError(t, err)

	v, err := h.StoredSessions()
	require.ErrorIs(t, err, errTestHook)
	require.Len(t, v, 0)
}

func TestHooksStoredSysInfo(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Info.Version)
}

func TestHooksStoredSysInfoFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{failAt: 2}, nil)
	require.NoError(t, err)

	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, errTestHook)
}

func TestHookBaseID(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
}

func TestHookBaseProvides(t *testing.T) {
	h := new(HookBase)
	require.False(t, h.Provides(OnConnect))
}

func TestHookBaseInit(t *testing.T) {
	h := new(HookBase)
	require.Nil(t, h.Init(nil))
}

func TestHookBaseSetOpts(t *testing.T) {
	h := new(HookBase)
	h.SetOpts(logger, new(HookOptions))
	require.NotNil(t, h.Log)
	require.NotNil(t, h.Opts)
}

func TestHookBaseDefaults(t *testing.T) {
	h := new(HookBase)
	f := frames.New(frames.Send, frames.HeaderDestination, "/topic/a")

	require.NoError(t, h.Stop())
	require.NoError(t, h.OnConnect(new(Session), f))

	fx, err := h.OnFrameRead(new(Session), f)
	require.NoError(t, err)
	require.Equal(t, f, fx)

	fx, err = h.OnPublish(new(Session), f)
	require.NoError(t, err)
	require.Equal(t, f, fx)

	require.Equal(t, f, h.OnSubscribe(new(Session), f))
	require.Equal(t, f, h.OnUnsubscribe(new(Session), f))

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "", info.Version)
}
