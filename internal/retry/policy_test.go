package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_Modes(t *testing.T) {
	fixed := NewPolicy(BackoffFixed, time.Second, 30*time.Second, 3)
	assert.Equal(t, time.Second, fixed.Delay(1))
	assert.Equal(t, time.Second, fixed.Delay(5))

	linear := NewPolicy(BackoffLinear, time.Second, 30*time.Second, 3)
	assert.Equal(t, time.Second, linear.Delay(1))
	assert.Equal(t, 3*time.Second, linear.Delay(3))
	assert.Equal(t, 30*time.Second, linear.Delay(100), "linear growth caps at max")

	exp := NewPolicy(BackoffExponential, time.Second, 30*time.Second, 3)
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 30*time.Second, exp.Delay(10), "exponential growth caps at max")
}

func TestDelay_ZeroAttempt(t *testing.T) {
	assert.Zero(t, DefaultPolicy().Delay(0))
	assert.Zero(t, DefaultPolicy().Delay(-1))
}

func TestNewPolicy_FallsBackToDefaults(t *testing.T) {
	p := NewPolicy("bogus", 0, 0, -1)
	def := DefaultPolicy()
	assert.Equal(t, def, p)

	clamped := NewPolicy(BackoffFixed, time.Minute, time.Second, 1)
	assert.Equal(t, time.Second, clamped.Initial, "initial clamps to max")
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: 0, Max: time.Second}.Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: time.Second, Max: 0}.Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: 2 * time.Second, Max: time.Second}.Validate())
	assert.Error(t, Policy{Mode: BackoffFixed, Initial: time.Second, Max: time.Second, MaxRetries: -1}.Validate())
}

func TestTransientClassification(t *testing.T) {
	base := fmt.Errorf("daemon unavailable")
	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient(base))))
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(nil))
}
