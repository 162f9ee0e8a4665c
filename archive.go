package tributary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveBackend stores exported journal segments.
type ArchiveBackend interface {
	// Put stores a segment under name, replacing any previous segment with
	// that name.
	Put(ctx context.Context, name string, data []byte) error

	// Get retrieves a segment by name.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the names of stored segments with the given prefix,
	// sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

func newArchiveBackend(cfg ArchiveConfig) (ArchiveBackend, error) {
	switch cfg.Backend {
	case "memory":
		return newMemoryArchive(), nil
	case "file":
		return newFileArchive(cfg.Dir)
	case "s3":
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// memoryArchive keeps segments in process memory. Useful in tests and as a
// staging area before real durability is configured.
type memoryArchive struct {
	mu       sync.RWMutex
	segments map[string][]byte
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{segments: make(map[string][]byte)}
}

func (m *memoryArchive) Put(_ context.Context, name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.segments[name] = cp
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.segments[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("archive segment not found: %s", name)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memoryArchive) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.segments {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// fileArchive writes one file per segment under a directory.
type fileArchive struct {
	dir string
}

func newFileArchive(dir string) (*fileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &fileArchive{dir: dir}, nil
}

func (f *fileArchive) path(name string) string {
	return filepath.Join(f.dir, filepath.Clean("/"+name))
}

func (f *fileArchive) Put(_ context.Context, name string, data []byte) error {
	p := f.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive segment: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write archive segment: %w", err)
	}
	return nil
}

func (f *fileArchive) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("archive segment not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive segment: %w", err)
	}
	return data, nil
}

func (f *fileArchive) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(f.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive segments: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// s3Archive stores segments in an S3 (or S3-compatible) bucket.
type s3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Archive(cfg ArchiveConfig) (*s3Archive, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &s3Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *s3Archive) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

func (s *s3Archive) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read body failed: %w", err)
	}
	return data, nil
}

func (s *s3Archive) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(*obj.Key, s.prefix))
		}
	}
	return names, nil
}
