package telephony

import (
	"net/http"
	"time"

	"call-intake/pkg/utils"
)

func testDeps() Deps {
	return Deps{
		HTTP: &http.Client{Timeout: 5 * time.Second},
		Retry: utils.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
		Location: time.UTC,
		Now:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
}
