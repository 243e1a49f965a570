package faas

import "errors"

var (
	// ErrAuth indicates the credential was rejected by the provider.
	// Retrying with the same key will not succeed.
	ErrAuth = errors.New("faas: authentication rejected")

	// ErrInvalidRequest indicates the provider rejected the request payload.
	ErrInvalidRequest = errors.New("faas: invalid request")

	// ErrTransient covers connection failures and 5xx responses. Submissions
	// may be retried by the caller; status checks inside Poll are retried
	// automatically up to Config.MaxRetries.
	ErrTransient = errors.New("faas: transient network error")

	// ErrPollTimeout indicates the polling deadline elapsed before the job
	// reached a terminal status. The remote job is left untouched and may
	// still complete.
	ErrPollTimeout = errors.New("faas: polling deadline exceeded")

	// ErrNotReady indicates a result was requested for a job that has not
	// reached a terminal status yet.
	ErrNotReady = errors.New("faas: job not finished")

	// ErrJobFailed indicates the job reached a terminal status other than
	// success on the remote side.
	ErrJobFailed = errors.New("faas: job failed")

	// ErrDecode indicates a response body could not be parsed into the
	// expected shape.
	ErrDecode = errors.New("faas: unable to decode response")
)
