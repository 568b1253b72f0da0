package coalesce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_Validate(t *testing.T) {
	valid := Options{Limit: 10, Window: time.Second}
	assert.NoError(t, valid.Validate())

	assert.ErrorIs(t, Options{Limit: 0, Window: time.Second}.Validate(), ErrInvalidLimit)
	assert.ErrorIs(t, Options{Limit: 10, Window: 0}.Validate(), ErrInvalidWindow)

	unsorted := Options{
		Limit:  10,
		Window: time.Second,
		Windows: []WindowStep{
			{CallSize: 5, Window: time.Millisecond},
			{CallSize: 1, Window: time.Millisecond},
		},
	}
	assert.ErrorIs(t, unsorted.Validate(), ErrUnsortedWindows)

	duplicate := Options{
		Limit:  10,
		Window: time.Second,
		Windows: []WindowStep{
			{CallSize: 1, Window: time.Millisecond},
			{CallSize: 1, Window: time.Millisecond},
		},
	}
	assert.ErrorIs(t, duplicate.Validate(), ErrUnsortedWindows)
}
