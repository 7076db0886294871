// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package s3store reads and writes timed slices in an S3 bucket using the
// day/hour key layout. It backs the camsync tool and the remote index
// refresher; the agent's live uploads go through cloud-issued URLs instead.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// Client is the slice of the S3 API the store needs; tests fake it.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config selects the bucket and how to reach it. Leaving AccessKey empty
// falls back to the SDK's default credential chain.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Log          *slog.Logger
}

// Store is a timeline.Storage over one bucket prefix.
type Store struct {
	client Client
	bucket string
	prefix string
	log    *slog.Logger
}

// New builds the S3 client from cfg and wraps it in a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3store: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client Client, cfg Config) *Store {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		log:    log,
	}
}

// List walks the hour prefixes the query touches and returns the slices
// whose periods intersect [begin, end), sorted by begin. Objects are keyed
// by their begin hour, so one extra hour before the query start covers
// slices that straddle it.
func (s *Store) List(ctx context.Context, begin, end timeline.Time) ([]*timeline.Item, error) {
	query := timeline.NewPeriod(begin, end)
	var out []*timeline.Item
	for _, hourPrefix := range s.hourPrefixes(begin, end) {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(hourPrefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("s3store: list %s: %w", hourPrefix, err)
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				period, err := timeline.ParseObjectKey(key)
				if err != nil {
					continue // foreign object under our prefix
				}
				if !period.Intersects(query) {
					continue
				}
				out = append(out, timeline.NewItem(period, categoryForKey(key)))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Less(out[j].Period) })
	return out, nil
}

// Load fetches the object backing the item.
func (s *Store) Load(ctx context.Context, it *timeline.Item) error {
	if it.State != timeline.ItemEmpty {
		return nil
	}
	key := s.keyFor(it)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3store: get %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("s3store: read %s: %w", key, err)
	}
	it.Payload = data
	it.State = timeline.ItemLoaded
	return nil
}

// Store uploads the item's payload under its slice key.
func (s *Store) Store(ctx context.Context, it *timeline.Item) error {
	if !it.Valid() || it.Period.IsOpen() {
		return fmt.Errorf("s3store: cannot store item with period %s", it.Period)
	}
	key := s.keyFor(it)
	contentType := it.MediaType
	if contentType == "" {
		contentType = it.Category.MediaType()
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(it.Payload),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(it.Size()),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", key, err)
	}
	return nil
}

// StoreAsync runs Store on its own goroutine.
func (s *Store) StoreAsync(it *timeline.Item, done func(ok bool), canceled func() bool) {
	go func() {
		if canceled != nil && canceled() {
			done(false)
			return
		}
		err := s.Store(context.Background(), it)
		if err != nil {
			s.log.Warn("async put failed", "period", it.Period, "err", err)
		}
		done(err == nil)
	}()
}

func (s *Store) keyFor(it *timeline.Item) string {
	return timeline.ObjectKey(s.prefix, it.Period, it.Category.Ext())
}

// hourPrefixes lists <prefix>/<YYYYMMDD>/<HH>/ for every hour from one hour
// before begin through end.
func (s *Store) hourPrefixes(begin, end timeline.Time) []string {
	start := begin.Time.UTC().Truncate(time.Hour).Add(-time.Hour)
	stop := end.Time.UTC()
	var out []string
	for h := start; h.Before(stop); h = h.Add(time.Hour) {
		hourDir := fmt.Sprintf("%s/%02d/", h.Format("20060102"), h.Hour())
		if s.prefix != "" {
			hourDir = s.prefix + "/" + hourDir
		}
		out = append(out, hourDir)
	}
	return out
}

func categoryForKey(key string) timeline.Category {
	switch {
	case strings.HasSuffix(key, timeline.CategorySnapshot.Ext()):
		return timeline.CategorySnapshot
	case strings.HasSuffix(key, timeline.CategoryFileMeta.Ext()):
		return timeline.CategoryFileMeta
	default:
		return timeline.CategoryVideo
	}
}
