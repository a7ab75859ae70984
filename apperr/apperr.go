package apperr

import "errors"

// Sentinel error kinds for the lifecycle and serving paths. Handlers map
// these to HTTP status codes; training code records them on the run.
var (
	ErrConfigNotFound   = errors.New("config not found")
	ErrDataUnavailable  = errors.New("interaction data unavailable")
	ErrTrainingFailed   = errors.New("model training failed")
	ErrTimeout          = errors.New("training deadline exceeded")
	ErrStoreWriteFailed = errors.New("artifact store write failed")
	ErrModelNotLoaded   = errors.New("no active model for config")
	ErrCacheUnavailable = errors.New("cache unavailable")
)

var kinds = []error{
	ErrConfigNotFound,
	ErrDataUnavailable,
	ErrTrainingFailed,
	ErrTimeout,
	ErrStoreWriteFailed,
	ErrModelNotLoaded,
	ErrCacheUnavailable,
}

// Kind returns the sentinel kind wrapped inside err, or nil if err does not
// carry one. Useful for recording a stable kind on a training run.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
