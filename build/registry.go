package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/moby/moby/api/types/registry"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
)

// ecrHostRe matches private ECR registry hosts, including the China
// partition. Public ECR needs no token exchange for pulls.
var ecrHostRe = regexp.MustCompile(`^(\d+)\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com(\.cn)?$`)

// RegistryAuth holds push/pull credentials for the configured registry.
// For ECR registries the static credentials are ignored and a short-lived
// token is fetched through the AWS SDK instead.
type RegistryAuth struct {
	URL      string
	Username string
	Password string
}

// Configured reports whether a registry destination is set at all.
func (r *RegistryAuth) Configured() bool {
	return r != nil && r.URL != ""
}

// Resolve exchanges AWS credentials for an ECR token when the registry is an
// ECR host. Non-ECR registries keep their static credentials.
func (r *RegistryAuth) Resolve(ctx context.Context) error {
	if !r.Configured() {
		return nil
	}

	accountID, region, ok := parseECRHost(r.URL)
	if !ok {
		return nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return errs.Cluster("load AWS config", err)
	}

	authResp, err := ecr.NewFromConfig(cfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{
		RegistryIds: []string{accountID},
	})
	if err != nil {
		return errs.Cluster("get ECR authorization token", err)
	}
	if len(authResp.AuthorizationData) == 0 {
		return errs.Cluster("get ECR authorization token", fmt.Errorf("no authorization data returned"))
	}

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(authResp.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return errs.Cluster("decode ECR authorization token", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return errs.Cluster("decode ECR authorization token", fmt.Errorf("unexpected token format"))
	}

	r.Username, r.Password = parts[0], parts[1]
	logger.Infof("refreshed ECR token for registry %s", r.URL)
	return nil
}

// EncodedAuth returns the X-Registry-Auth header value for daemon pushes:
// the JSON auth config in base64url per RFC 4648 section 5.
func (r *RegistryAuth) EncodedAuth() (string, error) {
	buf, err := json.Marshal(registry.AuthConfig{
		Username:      r.Username,
		Password:      r.Password,
		ServerAddress: r.URL,
	})
	if err != nil {
		return "", errs.Cluster("encode registry auth", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Authenticator adapts the credentials for go-containerregistry probes.
func (r *RegistryAuth) Authenticator() authn.Authenticator {
	if r == nil || r.Username == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: r.Username, Password: r.Password}
}

// parseECRHost extracts the account id and region from a private ECR host.
func parseECRHost(registryURL string) (accountID, region string, ok bool) {
	host := strings.TrimPrefix(strings.TrimPrefix(registryURL, "https://"), "http://")
	host = strings.SplitN(host, "/", 2)[0]

	matches := ecrHostRe.FindStringSubmatch(host)
	if len(matches) < 3 {
		return "", "", false
	}
	return matches[1], matches[2], true
}
