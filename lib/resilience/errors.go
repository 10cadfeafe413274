package resilience

import apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"

// ErrCircuitOpen is wrapped by every call a breaker refuses.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
