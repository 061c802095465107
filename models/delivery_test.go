package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliveryPending, DeliveryDelivered, true},
		{DeliveryPending, DeliveryRead, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliveryPending, DeliveryPending, false},
		{DeliveryDelivered, DeliveryDelivered, false},
		{DeliveryDelivered, DeliveryPending, false},
		{DeliveryRead, DeliveryDelivered, false},
		{DeliveryRead, DeliveryPending, false},
		{DeliveryRead, DeliveryRead, false},
		{DeliveryStatus("bogus"), DeliveryRead, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanAdvanceTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSession_Usable(t *testing.T) {
	now := time.Now()
	s := Session{Active: true, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, s.Usable(now))

	assert.False(t, s.Usable(now.Add(time.Minute)), "expired at the exact instant")

	s.Active = false
	assert.False(t, s.Usable(now))
}
