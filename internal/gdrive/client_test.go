package gdrive

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{&googleapi.Error{Code: 500}, true},
		{&googleapi.Error{Code: 503}, true},
		{&googleapi.Error{Code: 429}, true},
		{&googleapi.Error{Code: 403}, false},
		{&googleapi.Error{Code: 404}, false},
		{&googleapi.Error{Code: 400}, false},
		{fmt.Errorf("wrapping: %w", &googleapi.Error{Code: 500}), true},
		{errors.New("some other failure"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.transient, isTransient(c.err), "error: %v", c.err)
	}
}

func TestEscapeQueryString(t *testing.T) {
	assert.Equal(t, `plain name`, escapeQueryString("plain name"))
	assert.Equal(t, `it\'s here`, escapeQueryString("it's here"))
	assert.Equal(t, `back\\slash`, escapeQueryString(`back\slash`))
}

func TestParseDriveTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, ParseDriveTime("2024-03-01T12:30:00Z"))
	assert.Zero(t, ParseDriveTime(""))
	assert.Zero(t, ParseDriveTime("not a timestamp"))
}

func TestJoinIDs(t *testing.T) {
	assert.Equal(t, "", joinIDs(nil))
	assert.Equal(t, "a", joinIDs([]string{"a"}))
	assert.Equal(t, "a,b,c", joinIDs([]string{"a", "b", "c"}))
}
