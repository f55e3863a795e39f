package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store kept in process memory. Every method is atomic on
// its own; transactions are not isolated from each other, so callers that
// need read-modify-write sequences serialize them per key themselves.
type MemoryStore struct {
	mu sync.Mutex

	devices  map[lorawan.EUI64]models.Device
	profiles map[uuid.UUID]models.DeviceProfile
	sessions map[lorawan.EUI64]models.DeviceSession
	queue    map[lorawan.EUI64][]models.DeviceQueueItem
	seq      int64

	groups        map[uuid.UUID]models.MulticastGroup
	groupDevices  map[uuid.UUID]map[lorawan.EUI64]struct{}
	groupGateways map[uuid.UUID]map[lorawan.EUI64]struct{}
	groupQueue    map[uuid.UUID][]models.MulticastGroupQueueItem
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[lorawan.EUI64]models.Device),
		profiles:      make(map[uuid.UUID]models.DeviceProfile),
		sessions:      make(map[lorawan.EUI64]models.DeviceSession),
		queue:         make(map[lorawan.EUI64][]models.DeviceQueueItem),
		groups:        make(map[uuid.UUID]models.MulticastGroup),
		groupDevices:  make(map[uuid.UUID]map[lorawan.EUI64]struct{}),
		groupGateways: make(map[uuid.UUID]map[lorawan.EUI64]struct{}),
		groupQueue:    make(map[uuid.UUID][]models.MulticastGroupQueueItem),
	}
}

func (m *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return m, nil }
func (m *MemoryStore) Commit() error                                { return nil }
func (m *MemoryStore) Rollback() error                              { return nil }
func (m *MemoryStore) Close() error                                 { return nil }

// ========== Device Methods ==========

func (m *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[device.DevEUI]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.profiles[device.DeviceProfileID]; !ok {
		return fmt.Errorf("%w: device profile %s", ErrNotFound, device.DeviceProfileID)
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	m.devices[device.DevEUI] = *device
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.devices[device.DevEUI]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.profiles[device.DeviceProfileID]; !ok {
		return fmt.Errorf("%w: device profile %s", ErrNotFound, device.DeviceProfileID)
	}
	device.CreatedAt = old.CreatedAt
	device.UpdatedAt = time.Now()
	m.devices[device.DevEUI] = *device
	return nil
}

func (m *MemoryStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[devEUI]; !ok {
		return ErrNotFound
	}
	delete(m.devices, devEUI)
	delete(m.sessions, devEUI)
	delete(m.queue, devEUI)
	for _, members := range m.groupDevices {
		delete(members, devEUI)
	}
	return nil
}

// ========== Device Profile Methods ==========

func (m *MemoryStore) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	if _, ok := m.profiles[profile.ID]; ok {
		return ErrDuplicateKey
	}
	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	m.profiles[profile.ID] = *profile
	return nil
}

func (m *MemoryStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ========== Device Session Methods ==========

func (m *MemoryStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) SaveDeviceSession(ctx context.Context, session *models.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[session.DevEUI]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, session.DevEUI)
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	m.sessions[session.DevEUI] = *session
	return nil
}

func (m *MemoryStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[devEUI]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, devEUI)
	return nil
}

func (m *MemoryStore) IncrementFCntDown(ctx context.Context, devEUI lorawan.EUI64, kind models.FCntKind) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[devEUI]
	if !ok {
		return 0, ErrNotFound
	}

	var fCnt uint32
	switch kind {
	case models.FCntNwk:
		fCnt = s.NFCntDown
		s.NFCntDown++
	case models.FCntApp:
		fCnt = s.AFCntDown
		s.AFCntDown++
	default:
		return 0, fmt.Errorf("%w: unknown counter %d", ErrInvalidData, kind)
	}
	s.UpdatedAt = time.Now()
	m.sessions[devEUI] = s
	return fCnt, nil
}

// ========== Device Queue Methods ==========

func (m *MemoryStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[item.DevEUI]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, item.DevEUI)
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.seq++
	item.Seq = m.seq

	q := append(m.queue[item.DevEUI], item.Clone())
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].CreatedAt.Equal(q[j].CreatedAt) {
			return q[i].Seq < q[j].Seq
		}
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	})
	m.queue[item.DevEUI] = q
	return nil
}

func (m *MemoryStore) GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue[devEUI]
	out := make([]*models.DeviceQueueItem, 0, len(q))
	for _, item := range q {
		c := item.Clone()
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) CountDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue[devEUI]), nil
}

func (m *MemoryStore) UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue[item.DevEUI]
	for i := range q {
		if q[i].ID == item.ID {
			c := item.Clone()
			q[i].Data = c.Data
			q[i].IsEncrypted = c.IsEncrypted
			q[i].FCntDown = c.FCntDown
			q[i].IsPending = c.IsPending
			q[i].TimeoutAfter = c.TimeoutAfter
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for devEUI, q := range m.queue {
		for i := range q {
			if q[i].ID == id {
				m.queue[devEUI] = append(q[:i:i], q[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.queue[devEUI]))
	delete(m.queue, devEUI)
	return n, nil
}

func (m *MemoryStore) LockDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[devEUI]; !ok {
		return ErrNotFound
	}
	return nil
}

// ========== Multicast Group Methods ==========

func (m *MemoryStore) CreateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	if _, ok := m.groups[group.ID]; ok {
		return ErrDuplicateKey
	}
	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	m.groups[group.ID] = *group
	return nil
}

func (m *MemoryStore) GetMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

// LockMulticastGroup reads a group. The memory store has no row locks.
func (m *MemoryStore) LockMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	return m.GetMulticastGroup(ctx, id)
}

func (m *MemoryStore) UpdateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.groups[group.ID]
	if !ok {
		return ErrNotFound
	}
	group.FCnt = old.FCnt
	group.ApplicationID = old.ApplicationID
	group.CreatedAt = old.CreatedAt
	group.UpdatedAt = time.Now()
	m.groups[group.ID] = *group
	return nil
}

func (m *MemoryStore) DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	delete(m.groupDevices, id)
	delete(m.groupGateways, id)
	delete(m.groupQueue, id)
	return nil
}

func (m *MemoryStore) ListMulticastGroups(ctx context.Context, applicationID *uuid.UUID) ([]*models.MulticastGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.MulticastGroup
	for _, g := range m.groups {
		if applicationID != nil && g.ApplicationID != *applicationID {
			continue
		}
		g := g
		out = append(out, &g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (m *MemoryStore) IncrementMulticastFCnt(ctx context.Context, id uuid.UUID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return 0, ErrNotFound
	}
	fCnt := g.FCnt
	g.FCnt++
	g.UpdatedAt = time.Now()
	m.groups[id] = g
	return fCnt, nil
}

// ========== Multicast Membership Methods ==========

func (m *MemoryStore) AddDeviceToMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[devEUI]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, devEUI)
	}
	return m.addMember(m.groupDevices, id, devEUI)
}

func (m *MemoryStore) RemoveDeviceFromMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return removeMember(m.groupDevices, id, devEUI)
}

func (m *MemoryStore) ListMulticastGroupDevices(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listMembers(m.groupDevices[id]), nil
}

func (m *MemoryStore) AddGatewayToMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addMember(m.groupGateways, id, gatewayID)
}

func (m *MemoryStore) RemoveGatewayFromMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return removeMember(m.groupGateways, id, gatewayID)
}

func (m *MemoryStore) ListMulticastGroupGateways(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listMembers(m.groupGateways[id]), nil
}

func (m *MemoryStore) addMember(set map[uuid.UUID]map[lorawan.EUI64]struct{}, id uuid.UUID, eui lorawan.EUI64) error {
	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("%w: multicast group %s", ErrNotFound, id)
	}
	members, ok := set[id]
	if !ok {
		members = make(map[lorawan.EUI64]struct{})
		set[id] = members
	}
	if _, ok := members[eui]; ok {
		return ErrDuplicateKey
	}
	members[eui] = struct{}{}
	return nil
}

func removeMember(set map[uuid.UUID]map[lorawan.EUI64]struct{}, id uuid.UUID, eui lorawan.EUI64) error {
	if _, ok := set[id][eui]; !ok {
		return ErrNotFound
	}
	delete(set[id], eui)
	return nil
}

func listMembers(members map[lorawan.EUI64]struct{}) []lorawan.EUI64 {
	out := make([]lorawan.EUI64, 0, len(members))
	for eui := range members {
		out = append(out, eui)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// ========== Multicast Queue Methods ==========

func (m *MemoryStore) CreateMulticastQueueItem(ctx context.Context, item *models.MulticastGroupQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[item.MulticastGroupID]; !ok {
		return fmt.Errorf("%w: multicast group %s", ErrNotFound, item.MulticastGroupID)
	}
	q := m.groupQueue[item.MulticastGroupID]
	for _, existing := range q {
		if existing.FCnt == item.FCnt {
			return ErrDuplicateKey
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	q = append(q, cloneMulticastItem(*item))
	sort.SliceStable(q, func(i, j int) bool { return q[i].FCnt < q[j].FCnt })
	m.groupQueue[item.MulticastGroupID] = q
	return nil
}

func (m *MemoryStore) GetMulticastQueueItems(ctx context.Context, id uuid.UUID) ([]*models.MulticastGroupQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.groupQueue[id]
	out := make([]*models.MulticastGroupQueueItem, 0, len(q))
	for _, item := range q {
		c := cloneMulticastItem(item)
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) DeleteMulticastQueueItem(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for groupID, q := range m.groupQueue {
		for i := range q {
			if q[i].ID == id {
				m.groupQueue[groupID] = append(q[:i:i], q[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) FlushMulticastQueue(ctx context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.groupQueue[id]))
	delete(m.groupQueue, id)
	return n, nil
}

func cloneMulticastItem(i models.MulticastGroupQueueItem) models.MulticastGroupQueueItem {
	out := i
	out.Data = append([]byte(nil), i.Data...)
	if i.EmitAt != nil {
		d := *i.EmitAt
		out.EmitAt = &d
	}
	return out
}
