package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcceptsSatisfyingVersion(t *testing.T) {
	c, err := NewChecker(">=0.4.0")
	require.NoError(t, err)
	assert.NoError(t, c.Check("0.4.0"))
	assert.NoError(t, c.Check("0.9.2"))
}

func TestCheckRejectsOlderVersion(t *testing.T) {
	c, err := NewChecker(">=0.4.0")
	require.NoError(t, err)
	err = c.Check("0.3.9")
	assert.Error(t, err)
}

func TestCheckStripsDevSuffix(t *testing.T) {
	c, err := NewChecker(">=0.4.0")
	require.NoError(t, err)
	assert.NoError(t, c.Check("0.4.1.dev"))
}

func TestCheckRejectsUnparsableVersion(t *testing.T) {
	c, err := NewChecker(">=0.4.0")
	require.NoError(t, err)
	assert.Error(t, c.Check("not-a-version"))
}

func TestNewCheckerRejectsBadSpecifier(t *testing.T) {
	_, err := NewChecker("not a specifier")
	assert.Error(t, err)
}
