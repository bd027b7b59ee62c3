//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func newGCSAnchorStoreFromEnv(context.Context) (AnchorStore, error) {
	return nil, fmt.Errorf("GCS anchoring is not enabled in this build (use -tags gcp)")
}
