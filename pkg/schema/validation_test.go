package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddNodeError(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeError("cond-1", "condition has no false edge")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes/cond-1", r.Errors[0].Path)
	assert.Equal(t, "cond-1", r.Errors[0].NodeID)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("edges/3", "edge target is a trigger")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", "err1")
	r1.AddWarning("/", "warn1")

	r2 := &ValidationResult{}
	r2.AddNodeError("n2", "err2")
	r2.AddWarning("edges/1", "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError_SingleNodeError(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeError("msg-1", "unknown node type \"carousel\"")

	err := r.ToError()
	require.Error(t, err)

	engErr, ok := err.(*EngineError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, engErr.Code)
	assert.Equal(t, "msg-1", engErr.NodeID)
	assert.Equal(t, 1, engErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", "err1")
	r.AddError("/", "err2")
	r.AddWarning("/", "warn1")

	err := r.ToError()
	require.Error(t, err)

	engErr, ok := err.(*EngineError)
	require.True(t, ok)
	assert.Contains(t, engErr.Message, "2 errors")
	assert.Equal(t, 2, engErr.Details["error_count"])
	assert.Equal(t, 1, engErr.Details["warning_count"])
}

func TestEngineError_Format(t *testing.T) {
	err := NewError(ErrCodeExecution, "send failed").WithRun("r1").WithNode("n1")
	assert.Equal(t, "[EXECUTION_ERROR] run r1 node n1: send failed", err.Error())
	assert.True(t, err.IsRetryable())

	assert.Equal(t, "[NOT_FOUND] missing", NewError(ErrCodeNotFound, "missing").Error())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
	assert.True(t, IsNotFound(NewError(ErrCodeNotFound, "x")))
}
