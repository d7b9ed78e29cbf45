package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to PositionStatus
		want     bool
	}{
		{PositionStatusPending, PositionStatusOpened, true},
		{PositionStatusPending, PositionStatusClosed, true},
		{PositionStatusOpened, PositionStatusClosed, true},
		{PositionStatusOpened, PositionStatusPending, false},
		{PositionStatusClosed, PositionStatusOpened, false},
		{PositionStatusClosed, PositionStatusPending, false},
		{PositionStatusPending, PositionStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPositionMonitorable(t *testing.T) {
	assert.True(t, Position{Status: PositionStatusOpened}.Monitorable())
	assert.False(t, Position{Status: PositionStatusOpened, IsLiquidated: true}.Monitorable())
	assert.False(t, Position{Status: PositionStatusPending}.Monitorable())
	assert.False(t, Position{Status: PositionStatusClosed}.Monitorable())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrGatewayTimeout))
	assert.True(t, IsTransient(ErrGatewayUnavailable))
	assert.False(t, IsTransient(ErrPriceUnavailable))
	assert.False(t, IsTransient(ErrNotFound))
}
