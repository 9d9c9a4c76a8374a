package tpcd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/tpcd/internal/storage"
	awsstore "pkt.systems/tpcd/internal/storage/aws"
	azurestore "pkt.systems/tpcd/internal/storage/azure"
	"pkt.systems/tpcd/internal/storage/disk"
	"pkt.systems/tpcd/internal/storage/memory"
	"pkt.systems/tpcd/internal/storage/s3"
)

// storeReadyTimeout bounds the bucket probe made when opening an object store.
const storeReadyTimeout = 10 * time.Second

// CredentialSource names where object store credentials came from.
type CredentialSource struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenBackend opens the coordinator log backend named by cfg.Store.
func OpenBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return probe(ctx, store, s3cfg.Bucket)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return probe(ctx, store, awscfg.Bucket)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

type healthBackend interface {
	storage.Backend
	storage.HealthReporter
}

// probe refuses to start against a bucket that is missing or unreachable.
func probe(ctx context.Context, store healthBackend, bucket string) (storage.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	h, err := store.Health(ctx)
	if err == nil && h.Detail != "" {
		err = fmt.Errorf("bucket %s: %s", bucket, h.Detail)
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("object store connectivity check failed: %w", err)
	}
	return store, nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs for S3-compatible
// services such as MinIO.
func BuildS3Config(cfg Config) (s3.Config, CredentialSource, error) {
	u, err := parseStore(cfg.Store, "s3")
	if err != nil {
		return s3.Config{}, CredentialSource{}, err
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSource{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitContainer(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSource{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := strings.EqualFold(query.Get("scheme"), "http") || queryBool(query, "insecure")
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = !ok
		}
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	creds, source, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, source, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    creds,
	}, source, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from the
// AWS default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := parseStore(cfg.Store, "aws")
	if err != nil {
		return awsstore.Config{}, err
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --s3-region or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint: query.Get("endpoint"),
		Region:   region,
		Bucket:   bucket,
		Prefix:   strings.Trim(u.Path, "/"),
		Insecure: queryBool(query, "insecure"),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := parseStore(cfg.Store, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := strings.TrimSpace(cfg.AzureAccount)
	if account == "" {
		account = strings.TrimSpace(u.Host)
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitContainer(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	key := strings.TrimSpace(cfg.AzureKey)
	if key == "" {
		key = firstEnv("TPCD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("TPCD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///path URLs. disk://relative/path is accepted
// and anchored at the root.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := parseStore(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	path := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		path = "/" + host + "/" + strings.TrimPrefix(path, "/")
	}
	if strings.Trim(path, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/tpcd)")
	}
	return disk.Config{Root: filepath.Clean(path), MinFreeBytes: cfg.DiskMinFreeBytes}, nil
}

func parseStore(raw, scheme string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("store scheme %q is not %s", u.Scheme, scheme)
	}
	return u, nil
}

// splitContainer splits "/bucket/some/prefix" into bucket and prefix.
func splitContainer(path string) (string, string) {
	path = strings.Trim(path, "/")
	container, prefix, _ := strings.Cut(path, "/")
	return strings.TrimSpace(container), strings.Trim(prefix, "/")
}

func queryBool(q url.Values, name string) bool {
	ok, err := strconv.ParseBool(q.Get(name))
	return err == nil && ok
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSource, error) {
	access := strings.TrimSpace(cfg.S3AccessKeyID)
	secret := cfg.S3SecretAccessKey
	source := "config"
	if access == "" && secret == "" {
		access = strings.TrimSpace(os.Getenv("TPCD_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("TPCD_S3_SECRET_ACCESS_KEY")
		source = "env:TPCD_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSource{Source: "anonymous"}, nil
	}
	summary := CredentialSource{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, ""), summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}
