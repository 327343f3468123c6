package golden

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSuitePasses(t *testing.T) {
	suite, err := Default(nil)
	require.NoError(t, err)

	res, err := suite.Run(context.Background())
	require.NoError(t, err, "failures: %+v", res.Failures)
	assert.True(t, res.Passed())
	assert.Equal(t, 1.0, res.Accuracy)
	assert.NotEmpty(t, suite.Version())
}

func TestRun_AnyMissIsRegression(t *testing.T) {
	set := CaseSet{Version: "test", Cases: []Case{
		{ID: "a", Expected: "x"},
		{ID: "b", Expected: "y"},
	}}
	suite := NewSuite(set, func(c Case) (string, error) { return "x", nil }, nil)

	res, err := suite.Run(context.Background())
	require.ErrorIs(t, err, ErrRegression)
	assert.Equal(t, 1, res.Correct)
	assert.InDelta(t, 0.5, res.Accuracy, 1e-12)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, Failure{ID: "b", Expected: "y", Got: "x"}, res.Failures[0])
}

func TestRun_SubjectErrorCountsAsMiss(t *testing.T) {
	set := CaseSet{Version: "test", Cases: []Case{{ID: "a", Expected: "x"}}}
	suite := NewSuite(set, func(Case) (string, error) { return "", errors.New("broken") }, nil)

	res, err := suite.Run(context.Background())
	require.ErrorIs(t, err, ErrRegression)
	assert.Equal(t, "error: broken", res.Failures[0].Got)
}

func TestRun_Empty(t *testing.T) {
	_, err := NewSuite(CaseSet{}, nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptySuite)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	suite, err := Default(nil)
	require.NoError(t, err)
	_, err = suite.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadCaseSet_Missing(t *testing.T) {
	_, err := LoadCaseSet("cases/v999.json")
	assert.Error(t, err)
}

func TestGovernanceSubject_UnknownKind(t *testing.T) {
	suite, err := Default(nil)
	require.NoError(t, err)
	_, err = suite.subject(Case{Kind: "vibes"})
	assert.Error(t, err)
}
