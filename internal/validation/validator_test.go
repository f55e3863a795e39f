package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

func TestValidateDevice(t *testing.T) {
	v := NewValidator()

	ok := models.Device{DevEUI: lorawan.EUI64{1}, DeviceProfileID: uuid.New(), Name: "sensor"}
	if err := v.Validate(&ok); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	err := v.Validate(models.Device{Name: strings.Repeat("x", 101)})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
	for _, want := range []string{"devEui is required", "deviceProfileId is required", "name must be at most 100"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateMulticastGroup(t *testing.T) {
	v := NewValidator()

	group := models.MulticastGroup{
		Name:                 "fw",
		MCAddr:               lorawan.DevAddr{1, 2, 3, 4},
		MCNwkSKey:            lorawan.AES128Key{1},
		MCAppSKey:            lorawan.AES128Key{2},
		GroupType:            models.MulticastGroupClassB,
		ClassBPingSlotPeriod: 128,
	}
	if err := v.Validate(&group); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(g *models.MulticastGroup)
		want   string
	}{
		{"ping period", func(g *models.MulticastGroup) { g.ClassBPingSlotPeriod = 100 }, "classBPingSlotPeriod must be a power of two"},
		{"group type", func(g *models.MulticastGroup) { g.GroupType = "CLASS_A" }, "groupType must be one of"},
		{"scheduling", func(g *models.MulticastGroup) { g.ClassCSchedulingType = "NOW" }, "classCSchedulingType must be one of"},
		{"mc addr", func(g *models.MulticastGroup) { g.MCAddr = lorawan.DevAddr{} }, "mcAddr is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := group
			tt.mutate(&g)
			err := v.Validate(&g)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}
