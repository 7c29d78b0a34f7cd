package ports

import "context"

// BlocklistSource answers membership queries against known-bad lists
type BlocklistSource interface {
	Name() string
	ContainsAddress(ctx context.Context, address string) (bool, error)
	ContainsDomain(ctx context.Context, host string) (bool, error)
}
