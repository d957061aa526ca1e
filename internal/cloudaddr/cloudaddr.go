// Package cloudaddr resolves a listening address for mercury.address when
// the config omits one and the process happens to be running on EC2,
// per SPEC_FULL.md §4.12. It is reached only from instance.New, when the
// instance is listening and mercury.address is empty, never from the core dispatch/pool machinery, and fails silently
// (falling back to leaving mercury.address blank) everywhere else.
package cloudaddr

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/oriys/corerpc/internal/logging"
)

// DefaultPort is appended to the resolved local-ipv4 when the caller
// doesn't already have a port in mind.
const DefaultPort = 7070

// Resolve queries the EC2 instance metadata service for this host's
// local IPv4 address and returns it formatted as a grpc://host:port
// mercury.address value. It returns an error (never panics) when the
// metadata service is unreachable, which callers should treat as "not
// running on EC2" rather than a fatal condition.
func Resolve(ctx context.Context, port int) (string, error) {
	if port <= 0 {
		port = DefaultPort
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("cloudaddr: load aws config: %w", err)
	}

	client := imds.NewFromConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "local-ipv4"})
	if err != nil {
		return "", fmt.Errorf("cloudaddr: instance metadata unreachable: %w", err)
	}
	defer out.Content.Close()

	ip, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("cloudaddr: read metadata response: %w", err)
	}
	if len(ip) == 0 {
		return "", fmt.Errorf("cloudaddr: empty local-ipv4 metadata response")
	}

	return fmt.Sprintf("grpc://%s:%d", string(ip), port), nil
}

// ResolveOrEmpty is Resolve with errors swallowed to a log line and an
// empty string, matching how an optional convenience should behave:
// mercury.address simply stays whatever the config already said.
func ResolveOrEmpty(ctx context.Context, port int) string {
	addr, err := Resolve(ctx, port)
	if err != nil {
		logging.Op().Debug("cloudaddr: not resolving mercury.address from EC2 metadata", "error", err)
		return ""
	}
	return addr
}
