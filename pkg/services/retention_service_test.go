package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewRetentionService_DefaultsRetentionDays(t *testing.T) {
	for _, days := range []int{0, -3} {
		svc := NewRetentionService(nil, nil, days, zap.NewNop()).(*retentionService)
		assert.Equal(t, DefaultEventRetentionDays, svc.retentionDays)
	}

	svc := NewRetentionService(nil, nil, 7, zap.NewNop()).(*retentionService)
	assert.Equal(t, 7, svc.retentionDays)
}

func TestRetentionService_Cutoff(t *testing.T) {
	now := time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC)
	svc := NewRetentionService(nil, nil, 30, zap.NewNop()).(*retentionService)
	svc.now = func() time.Time { return now }

	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), svc.cutoff())
}
