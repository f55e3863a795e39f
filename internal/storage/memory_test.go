package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var testDevEUI = lorawan.EUI64{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

func seedDevice(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()

	profile := &models.DeviceProfile{Name: "class-a", MACVersion: models.MACVersion1_0}
	if err := s.CreateDeviceProfile(ctx, profile); err != nil {
		t.Fatalf("CreateDeviceProfile error: %v", err)
	}
	if err := s.CreateDevice(ctx, &models.Device{DevEUI: testDevEUI, DeviceProfileID: profile.ID, Name: "dev"}); err != nil {
		t.Fatalf("CreateDevice error: %v", err)
	}
}

func TestMemoryDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDevice(t, s)

	err := s.CreateDevice(ctx, &models.Device{DevEUI: testDevEUI})
	if !errors.Is(err, ErrDuplicateKey) || !errors.Is(err, errs.ErrConflict) {
		t.Errorf("duplicate create error = %v", err)
	}

	if err := s.CreateDevice(ctx, &models.Device{DevEUI: lorawan.EUI64{9}, DeviceProfileID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("create with unknown profile error = %v", err)
	}

	if err := s.SaveDeviceSession(ctx, &models.DeviceSession{DevEUI: testDevEUI}); err != nil {
		t.Fatalf("SaveDeviceSession error: %v", err)
	}
	if err := s.CreateDeviceQueueItem(ctx, &models.DeviceQueueItem{DevEUI: testDevEUI, FPort: 1}); err != nil {
		t.Fatalf("CreateDeviceQueueItem error: %v", err)
	}

	if err := s.DeleteDevice(ctx, testDevEUI); err != nil {
		t.Fatalf("DeleteDevice error: %v", err)
	}
	if _, err := s.GetDeviceSession(ctx, testDevEUI); !errors.Is(err, ErrNotFound) {
		t.Errorf("session after delete error = %v", err)
	}
	if n, _ := s.CountDeviceQueueItems(ctx, testDevEUI); n != 0 {
		t.Errorf("queue after delete = %d", n)
	}
}

func TestMemoryIncrementFCntDown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDevice(t, s)

	if _, err := s.IncrementFCntDown(ctx, testDevEUI, models.FCntNwk); !errors.Is(err, ErrNotFound) {
		t.Fatalf("increment without session error = %v", err)
	}

	if err := s.SaveDeviceSession(ctx, &models.DeviceSession{DevEUI: testDevEUI, NFCntDown: 5, AFCntDown: 100}); err != nil {
		t.Fatalf("SaveDeviceSession error: %v", err)
	}

	var wg sync.WaitGroup
	seen := make(chan uint32, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.IncrementFCntDown(ctx, testDevEUI, models.FCntNwk)
			if err != nil {
				t.Errorf("IncrementFCntDown error: %v", err)
				return
			}
			seen <- f
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]bool)
	for f := range seen {
		if unique[f] {
			t.Fatalf("counter %d handed out twice", f)
		}
		unique[f] = true
	}
	for f := uint32(5); f < 55; f++ {
		if !unique[f] {
			t.Errorf("counter %d missing", f)
		}
	}

	ds, err := s.GetDeviceSession(ctx, testDevEUI)
	if err != nil {
		t.Fatalf("GetDeviceSession error: %v", err)
	}
	if ds.NFCntDown != 55 || ds.AFCntDown != 100 {
		t.Errorf("counters = %d/%d, want 55/100", ds.NFCntDown, ds.AFCntDown)
	}
}

func TestMemoryQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDevice(t, s)

	now := time.Now()
	for i, data := range [][]byte{{1}, {2}, {3}} {
		item := &models.DeviceQueueItem{DevEUI: testDevEUI, FPort: 10, Data: data}
		if i < 2 {
			item.CreatedAt = now
		}
		if err := s.CreateDeviceQueueItem(ctx, item); err != nil {
			t.Fatalf("CreateDeviceQueueItem error: %v", err)
		}
	}

	items, err := s.GetDeviceQueueItems(ctx, testDevEUI)
	if err != nil {
		t.Fatalf("GetDeviceQueueItems error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	for i, item := range items {
		if item.Data[0] != byte(i+1) {
			t.Errorf("item %d data = %x", i, item.Data)
		}
	}

	// returned items are copies
	items[0].Data[0] = 0xff
	again, _ := s.GetDeviceQueueItems(ctx, testDevEUI)
	if again[0].Data[0] != 1 {
		t.Error("store shares memory with caller")
	}

	f := uint32(7)
	items[0].FCntDown = &f
	items[0].IsPending = true
	if err := s.UpdateDeviceQueueItem(ctx, items[0]); err != nil {
		t.Fatalf("UpdateDeviceQueueItem error: %v", err)
	}
	again, _ = s.GetDeviceQueueItems(ctx, testDevEUI)
	if !again[0].IsPending || again[0].FCntDown == nil || *again[0].FCntDown != 7 {
		t.Errorf("updated item = %+v", again[0])
	}

	if err := s.DeleteDeviceQueueItem(ctx, items[1].ID); err != nil {
		t.Fatalf("DeleteDeviceQueueItem error: %v", err)
	}
	n, err := s.FlushDeviceQueue(ctx, testDevEUI)
	if err != nil || n != 2 {
		t.Errorf("flush = %d, %v", n, err)
	}
}

func TestMemoryMulticast(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDevice(t, s)

	group := &models.MulticastGroup{Name: "fw", GroupType: models.MulticastGroupClassC, FCnt: 10}
	if err := s.CreateMulticastGroup(ctx, group); err != nil {
		t.Fatalf("CreateMulticastGroup error: %v", err)
	}

	f, err := s.IncrementMulticastFCnt(ctx, group.ID)
	if err != nil || f != 10 {
		t.Fatalf("IncrementMulticastFCnt = %d, %v", f, err)
	}

	// updates never move the counter
	group.FCnt = 0
	group.Name = "firmware"
	if err := s.UpdateMulticastGroup(ctx, group); err != nil {
		t.Fatalf("UpdateMulticastGroup error: %v", err)
	}
	got, _ := s.GetMulticastGroup(ctx, group.ID)
	if got.FCnt != 11 || got.Name != "firmware" {
		t.Errorf("group = %+v", got)
	}

	if err := s.AddDeviceToMulticastGroup(ctx, group.ID, testDevEUI); err != nil {
		t.Fatalf("AddDeviceToMulticastGroup error: %v", err)
	}
	if err := s.AddDeviceToMulticastGroup(ctx, group.ID, testDevEUI); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate member error = %v", err)
	}
	gw := lorawan.EUI64{0xaa}
	if err := s.AddGatewayToMulticastGroup(ctx, group.ID, gw); err != nil {
		t.Fatalf("AddGatewayToMulticastGroup error: %v", err)
	}
	if gws, _ := s.ListMulticastGroupGateways(ctx, group.ID); len(gws) != 1 || gws[0] != gw {
		t.Errorf("gateways = %v", gws)
	}

	for _, fc := range []uint32{12, 10, 11} {
		item := &models.MulticastGroupQueueItem{MulticastGroupID: group.ID, FCnt: fc, FPort: 1, Data: []byte{1}, Timing: frame.Immediately()}
		if err := s.CreateMulticastQueueItem(ctx, item); err != nil {
			t.Fatalf("CreateMulticastQueueItem error: %v", err)
		}
	}
	dup := &models.MulticastGroupQueueItem{MulticastGroupID: group.ID, FCnt: 11, Timing: frame.Immediately()}
	if err := s.CreateMulticastQueueItem(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate f_cnt error = %v", err)
	}

	items, _ := s.GetMulticastQueueItems(ctx, group.ID)
	for i, item := range items {
		if item.FCnt != uint32(10+i) {
			t.Errorf("item %d f_cnt = %d", i, item.FCnt)
		}
	}

	if err := s.DeleteDevice(ctx, testDevEUI); err != nil {
		t.Fatalf("DeleteDevice error: %v", err)
	}
	if devs, _ := s.ListMulticastGroupDevices(ctx, group.ID); len(devs) != 0 {
		t.Errorf("members after device delete = %v", devs)
	}

	if err := s.DeleteMulticastGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteMulticastGroup error: %v", err)
	}
	if items, _ := s.GetMulticastQueueItems(ctx, group.ID); len(items) != 0 {
		t.Errorf("queue after group delete = %d", len(items))
	}
}
