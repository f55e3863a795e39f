package session

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/keyenvelope"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	testDevEUI  = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x00, 0x01}
	testDevAddr = lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	appSKey     = lorawan.AES128Key{0xa1}
	nwkSKey     = lorawan.AES128Key{0xb1}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ActivationEvent
}

func (p *recordingPublisher) PublishActivation(ctx context.Context, ev ActivationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newTestManager(t *testing.T, profile models.DeviceProfile) (*Manager, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	codec := keyenvelope.NewCodec(keyenvelope.StaticResolver{"kek-a": bytes.Repeat([]byte{0x01}, 16)})
	m, err := NewManager(store, codec, config.NetworkConfig{NetID: "000013", KEKLabel: "kek-a"})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	profile.Name = "profile"
	if err := m.CreateDeviceProfile(ctx, &profile); err != nil {
		t.Fatalf("CreateDeviceProfile error: %v", err)
	}
	if err := m.CreateDevice(ctx, &models.Device{DevEUI: testDevEUI, DeviceProfileID: profile.ID, Name: "d1"}); err != nil {
		t.Fatalf("CreateDevice error: %v", err)
	}
	return m, store
}

func legacyActivation(nFCntDown uint32) ActivateRequest {
	return ActivateRequest{
		DevEUI:    testDevEUI,
		DevAddr:   testDevAddr,
		Keys:      models.NewLegacySessionKeys(appSKey, nwkSKey),
		NFCntDown: nFCntDown,
	}
}

func TestActivateReservedDevAddr(t *testing.T) {
	m, _ := newTestManager(t, models.DeviceProfile{})

	for _, addr := range []lorawan.DevAddr{{}, {0xff, 0xff, 0xff, 0xff}} {
		req := legacyActivation(0)
		req.DevAddr = addr
		_, err := m.Activate(context.Background(), req)
		if !errors.Is(err, ErrInvalidSession) || !errors.Is(err, errs.ErrValidation) {
			t.Errorf("addr %s: error = %v", addr, err)
		}
	}
}

func TestActivateKeyCoherence(t *testing.T) {
	other := lorawan.AES128Key{0xc1}

	tests := []struct {
		name    string
		version models.MACVersion
		keys    models.SessionKeys
		wantErr bool
	}{
		{"legacy single key", models.MACVersion1_0, models.NewLegacySessionKeys(appSKey, nwkSKey), false},
		{"legacy only f_nwk", models.MACVersion1_0, models.SessionKeys{AppSKey: appSKey, FNwkSIntKey: nwkSKey}, false},
		{"legacy different keys", models.MACVersion1_0, models.SessionKeys{AppSKey: appSKey, FNwkSIntKey: nwkSKey, SNwkSIntKey: other, NwkSEncKey: nwkSKey}, true},
		{"legacy no network key", models.MACVersion1_0, models.SessionKeys{AppSKey: appSKey}, true},
		{"no app key", models.MACVersion1_0, models.SessionKeys{FNwkSIntKey: nwkSKey}, true},
		{"1.1 all keys", models.MACVersion1_1, models.SessionKeys{AppSKey: appSKey, FNwkSIntKey: nwkSKey, SNwkSIntKey: other, NwkSEncKey: nwkSKey}, false},
		{"1.1 missing key", models.MACVersion1_1, models.SessionKeys{AppSKey: appSKey, FNwkSIntKey: nwkSKey}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, models.DeviceProfile{})
			req := legacyActivation(0)
			req.MACVersion = tt.version
			req.Keys = tt.keys

			ds, err := m.Activate(context.Background(), req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSession) {
					t.Fatalf("expected ErrInvalidSession, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Activate error: %v", err)
			}
			if tt.version.IsLegacy() && (ds.Keys.SNwkSIntKey != nwkSKey || ds.Keys.NwkSEncKey != nwkSKey) {
				t.Errorf("legacy keys not filled: %+v", ds.Keys)
			}
		})
	}
}

func TestActivateUnknownDevice(t *testing.T) {
	m, _ := newTestManager(t, models.DeviceProfile{})
	req := legacyActivation(0)
	req.DevEUI = lorawan.EUI64{0xff}

	if _, err := m.Activate(context.Background(), req); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestActivateReplacesSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	if _, err := m.Activate(ctx, legacyActivation(5)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if _, err := m.NextFCntDown(ctx, testDevEUI, false); err != nil {
		t.Fatalf("NextFCntDown error: %v", err)
	}

	// resumed counters come from the activation, not zero
	if _, err := m.Activate(ctx, legacyActivation(40)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	f, err := m.NextFCntDown(ctx, testDevEUI, false)
	if err != nil {
		t.Fatalf("NextFCntDown error: %v", err)
	}
	if f != 40 {
		t.Errorf("fCnt = %d, want 40", f)
	}
}

func TestNextFCntDownNoSession(t *testing.T) {
	m, _ := newTestManager(t, models.DeviceProfile{})

	_, err := m.NextFCntDown(context.Background(), testDevEUI, true)
	if !errors.Is(err, ErrNoSession) || !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("error = %v", err)
	}
}

func TestNextFCntDownConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	req := legacyActivation(0)
	req.MACVersion = models.MACVersion1_1
	req.Keys = models.SessionKeys{AppSKey: appSKey, NwkSEncKey: nwkSKey, SNwkSIntKey: nwkSKey, FNwkSIntKey: nwkSKey}
	req.NFCntDown = 3
	req.AFCntDown = 1000
	if _, err := m.Activate(ctx, req); err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	const n = 64
	var mu sync.Mutex
	var app, nwk []uint32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(isMAC bool) {
			defer wg.Done()
			f, err := m.NextFCntDown(ctx, testDevEUI, isMAC)
			if err != nil {
				t.Errorf("NextFCntDown error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if isMAC {
				nwk = append(nwk, f)
			} else {
				app = append(app, f)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	checkConsecutive(t, "a_f_cnt_down", app, 1000)
	checkConsecutive(t, "n_f_cnt_down", nwk, 3)
}

func checkConsecutive(t *testing.T, name string, got []uint32, start uint32) {
	t.Helper()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, f := range got {
		if f != start+uint32(i) {
			t.Fatalf("%s values = %v, want consecutive from %d", name, got, start)
		}
	}
}

func TestNextFCntDownLegacySingleCounter(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	req := legacyActivation(7)
	req.AFCntDown = 500
	if _, err := m.Activate(ctx, req); err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	f1, _ := m.NextFCntDown(ctx, testDevEUI, false)
	f2, _ := m.NextFCntDown(ctx, testDevEUI, true)
	if f1 != 7 || f2 != 8 {
		t.Errorf("counters = %d, %d, want 7, 8", f1, f2)
	}

	ds, err := m.GetSession(ctx, testDevEUI)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if ds.AFCntDown != 500 {
		t.Errorf("a_f_cnt_down = %d, want untouched 500", ds.AFCntDown)
	}
}

func TestNextFCntDownExhausted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	if _, err := m.Activate(ctx, legacyActivation(math.MaxUint32)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if _, err := m.NextFCntDown(ctx, testDevEUI, false); !errors.Is(err, ErrFCntExhausted) {
		t.Errorf("expected ErrFCntExhausted, got %v", err)
	}
}

func TestDeactivateKeepsQueue(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, models.DeviceProfile{})

	if _, err := m.Activate(ctx, legacyActivation(0)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if err := store.CreateDeviceQueueItem(ctx, &models.DeviceQueueItem{DevEUI: testDevEUI, FPort: 1, Data: []byte{1}}); err != nil {
		t.Fatalf("CreateDeviceQueueItem error: %v", err)
	}

	if err := m.Deactivate(ctx, testDevEUI); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}
	if err := m.Deactivate(ctx, testDevEUI); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Deactivate error = %v", err)
	}
	if n, _ := store.CountDeviceQueueItems(ctx, testDevEUI); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestActivateFlushAndPublish(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, models.DeviceProfile{FlushQueueOnActivate: true})
	pub := &recordingPublisher{}
	m.SetActivationPublisher(pub)

	for i := 0; i < 3; i++ {
		if err := store.CreateDeviceQueueItem(ctx, &models.DeviceQueueItem{DevEUI: testDevEUI, FPort: 1, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("CreateDeviceQueueItem error: %v", err)
		}
	}

	if _, err := m.Activate(ctx, legacyActivation(9)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if n, _ := store.CountDeviceQueueItems(ctx, testDevEUI); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	// flushing consumed no counters
	if f, _ := m.NextFCntDown(ctx, testDevEUI, false); f != 9 {
		t.Errorf("fCnt = %d, want 9", f)
	}

	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.AppSKey.KEKLabel != "kek-a" || !ev.AppSKey.IsWrapped() {
		t.Errorf("app_s_key envelope = %+v", ev.AppSKey)
	}
	if bytes.Equal(ev.AppSKey.AESKey, appSKey[:]) {
		t.Error("app_s_key published in the clear")
	}
}

func TestGetActivation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	if _, err := m.Activate(ctx, legacyActivation(2)); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	act, err := m.GetActivation(ctx, testDevEUI)
	if err != nil {
		t.Fatalf("GetActivation error: %v", err)
	}
	if act.DevAddr != testDevAddr || act.NFCntDown != 2 {
		t.Errorf("activation = %+v", act)
	}

	key, err := m.codec.UnwrapAES128(act.AppSKey)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if key != appSKey {
		t.Errorf("app_s_key = %s", key)
	}
}

func TestRandomDevAddr(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, models.DeviceProfile{})

	netID, _ := lorawan.ParseNetID("000013")
	for i := 0; i < 20; i++ {
		addr, err := m.RandomDevAddr(ctx, testDevEUI)
		if err != nil {
			t.Fatalf("RandomDevAddr error: %v", err)
		}
		if !addr.HasNetID(netID) || addr.IsReserved() {
			t.Fatalf("dev_addr %s outside net id", addr)
		}
	}

	// allocation never creates a session
	if _, err := m.GetSession(ctx, testDevEUI); !errors.Is(err, ErrNoSession) {
		t.Errorf("GetSession error = %v", err)
	}
	if _, err := m.RandomDevAddr(ctx, lorawan.EUI64{0xee}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v", err)
	}
}
