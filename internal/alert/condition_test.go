package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition_SingleComparison(t *testing.T) {
	cond, err := ParseCondition("avg_response_time > 1000")
	require.NoError(t, err)

	assert.True(t, cond.Eval(map[string]interface{}{"avg_response_time": 1060.0}))
	assert.False(t, cond.Eval(map[string]interface{}{"avg_response_time": 900.0}))
	assert.False(t, cond.Eval(map[string]interface{}{"avg_response_time": 1000.0}))
}

func TestParseCondition_StringLiteral(t *testing.T) {
	cond, err := ParseCondition("health_status == 'red'")
	require.NoError(t, err)

	assert.True(t, cond.Eval(map[string]interface{}{"health_status": "red"}))
	assert.False(t, cond.Eval(map[string]interface{}{"health_status": "green"}))

	// Double quotes work the same way
	cond, err = ParseCondition(`health_status != "green"`)
	require.NoError(t, err)
	assert.True(t, cond.Eval(map[string]interface{}{"health_status": "yellow"}))
}

func TestParseCondition_Connectors(t *testing.T) {
	cond, err := ParseCondition("health_status == 'yellow' and failure_rate > 0")
	require.NoError(t, err)

	assert.True(t, cond.Eval(map[string]interface{}{
		"health_status": "yellow",
		"failure_rate":  0.5,
	}))
	assert.False(t, cond.Eval(map[string]interface{}{
		"health_status": "yellow",
		"failure_rate":  0.0,
	}))

	cond, err = ParseCondition("response_time > 5000 or failed_check_count >= 3")
	require.NoError(t, err)
	assert.True(t, cond.Eval(map[string]interface{}{
		"response_time":      100.0,
		"failed_check_count": 3,
	}))
	assert.False(t, cond.Eval(map[string]interface{}{
		"response_time":      100.0,
		"failed_check_count": 1,
	}))
}

func TestParseCondition_MissingVariableDefaultsToZero(t *testing.T) {
	cond, err := ParseCondition("failed_check_count == 0")
	require.NoError(t, err)

	assert.True(t, cond.Eval(map[string]interface{}{}))

	cond, err = ParseCondition("failed_check_count > 0")
	require.NoError(t, err)
	assert.False(t, cond.Eval(map[string]interface{}{}))
}

func TestParseCondition_UnparsableLiteralComparedAsString(t *testing.T) {
	cond, err := ParseCondition("error_type == timeout")
	require.NoError(t, err)

	assert.True(t, cond.Eval(map[string]interface{}{"error_type": "timeout"}))
	assert.False(t, cond.Eval(map[string]interface{}{"error_type": "connection_refused"}))
}

func TestParseCondition_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"avg_response_time >",
		"(a > 1) and (b > 2)",
		"a > 1 and b > 2 or c > 3",
		"a >> 5",
	}
	for _, expr := range invalid {
		_, err := ParseCondition(expr)
		assert.Error(t, err, "expression %q should not parse", expr)
	}
}

func TestCondition_Threshold(t *testing.T) {
	cond, err := ParseCondition("avg_response_time > 1500")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, cond.Threshold())

	// First numeric literal wins
	cond, err = ParseCondition("health_status == 'red' or response_time > 200")
	require.NoError(t, err)
	assert.Equal(t, 200.0, cond.Threshold())

	// No numeric literal falls back to the default
	cond, err = ParseCondition("health_status == 'red'")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, cond.Threshold())
}
