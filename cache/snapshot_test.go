package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot_ExpiresAtNextLotExpiry(t *testing.T) {
	at := time.Date(2025, time.May, 11, 10, 0, 0, 0, time.UTC)
	lotExpiry := at.AddDate(0, 0, 5)

	s := Snapshot{RefreshedAt: at, NextExpiry: &lotExpiry}
	d, ok := s.expiresIn(24 * time.Hour)
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	d, ok = s.expiresIn(30 * 24 * time.Hour)
	assert.True(t, ok)
	assert.Equal(t, 5*24*time.Hour, d)

	d, ok = s.expiresIn(0)
	assert.True(t, ok)
	assert.Equal(t, 5*24*time.Hour, d)

	s.RefreshedAt = lotExpiry
	_, ok = s.expiresIn(time.Hour)
	assert.False(t, ok)

	d, ok = Snapshot{RefreshedAt: at}.expiresIn(time.Hour)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d)
}

func TestSnapshot_FreshAt(t *testing.T) {
	at := time.Date(2025, time.May, 11, 10, 0, 0, 0, time.UTC)
	exp := at.AddDate(0, 0, 5)
	s := Snapshot{NextExpiry: &exp}

	assert.True(t, s.FreshAt(at))
	assert.False(t, s.FreshAt(exp))
	assert.False(t, s.FreshAt(exp.AddDate(0, 0, 5)))
	assert.True(t, Snapshot{}.FreshAt(at.AddDate(10, 0, 0)))
}
