package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory_ExitCode(t *testing.T) {
	tests := []struct {
		cat  Category
		code int
		typ  string
	}{
		{Validation, 2, "validation"},
		{FileIO, 3, "file_io"},
		{Config, 4, "api"},
		{API, 5, "api"},
		{Network, 5, "network"},
		{Internal, 5, "internal"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.cat.ExitCode())
			assert.Equal(t, tt.typ, tt.cat.Type())
		})
	}
}

func TestExitCode_Nil(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, Category(""), CategoryOf(nil))
}

func TestExitCode_UncategorizedIsInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Internal, CategoryOf(err))
	assert.Equal(t, 5, ExitCode(err))
	assert.Equal(t, "Internal error: boom", UserMessage(err))
}

func TestCategoryOf_ThroughWrapping(t *testing.T) {
	base := New(FileIO, "File not found: x.pdf")
	wrapped := eris.Wrap(base, "pipeline: open")
	assert.Equal(t, FileIO, CategoryOf(wrapped))
	assert.Equal(t, 3, ExitCode(wrapped))

	fmtWrapped := fmt.Errorf("outer: %w", base)
	assert.Equal(t, FileIO, CategoryOf(fmtWrapped))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, API, "ignored"))

	cause := errors.New("unexpected EOF")
	err := Wrap(cause, API, "Failed to parse upload response")
	require.Error(t, err)
	assert.Equal(t, "Failed to parse upload response: unexpected EOF", err.Error())
	assert.Equal(t, "API error: Failed to parse upload response", UserMessage(err))
	assert.Equal(t, "unexpected EOF", Detail(err))
	assert.ErrorIs(t, err, cause)
}

func TestDetail_NoCause(t *testing.T) {
	assert.Empty(t, Detail(New(Validation, "File path cannot be empty")))
	assert.Empty(t, Detail(nil))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Category
	}{
		{http.StatusBadRequest, Validation},
		{http.StatusUnauthorized, API},
		{http.StatusForbidden, API},
		{http.StatusNotFound, API},
		{http.StatusUnprocessableEntity, API},
		{http.StatusTooManyRequests, Network},
		{http.StatusInternalServerError, API},
		{http.StatusBadGateway, Network},
		{http.StatusServiceUnavailable, Network},
		{http.StatusGatewayTimeout, Network},
		{http.StatusNotImplemented, API},
		{http.StatusFound, Internal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "msg")
			assert.Equal(t, tt.want, err.Category)
			assert.Contains(t, err.Message, fmt.Sprint(tt.status))
		})
	}
}

func TestRedact_SKTokens(t *testing.T) {
	got := Redact("invalid key sk-abc123XYZ_- supplied")
	assert.Equal(t, "invalid key sk-*** supplied", got)
}

func TestRedact_ConfiguredSecret(t *testing.T) {
	secret := "tok_0123456789abcdef"
	got := Redact("Authorization failed for "+secret, secret)
	assert.NotContains(t, got, secret)
	assert.Contains(t, got, "tok_***")
}

func TestRedact_SKSecretFollowedByStars(t *testing.T) {
	secret := "sk-live-0123456789"
	got := Redact("key="+secret+" and again "+secret, secret)
	assert.NotContains(t, got, secret)
	for i := 0; i < len(got); {
		idx := strings.Index(got[i:], "sk-")
		if idx < 0 {
			break
		}
		pos := i + idx + len("sk-")
		require.True(t, strings.HasPrefix(got[pos:], "***"), "sk- not followed by *** in %q", got)
		i = pos
	}
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "abcd***", RedactSecret("abcdefghijkl"))
	assert.Equal(t, "***", RedactSecret("short"))
	assert.Equal(t, "***", RedactSecret(""))
}
