package storage

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/courseshop/api/internal/platform/auth"
)

const (
	defaultLinkTTL = 5 * time.Minute
	maxLinkTTL     = 15 * time.Minute
)

var (
	errMissingObject = errors.New("storage: bucket and object are required")
	errTTLTooLong    = errors.New("storage: link lifetime exceeds 15m")
)

// ServiceAccountKey holds the fields of a service account JSON key needed to sign URLs locally.
type ServiceAccountKey struct {
	Email      string `json:"client_email"`
	PrivateKey string `json:"private_key"`
}

// ParseServiceAccountKey decodes a JSON key as downloaded from the console or stored in Secret
// Manager.
func ParseServiceAccountKey(data []byte) (*ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	key.Email = strings.TrimSpace(key.Email)
	if key.Email == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	if block, _ := pem.Decode([]byte(key.PrivateKey)); block == nil {
		return nil, errors.New("storage: service account key has no PEM private_key")
	}
	return &key, nil
}

// URLSigner issues short-lived GET links for documents and receipts. With a key it signs
// locally. Without one it relies on the client's credentials, which on Cloud Run means the
// IAM signBlob API of the runtime service account.
type URLSigner struct {
	client *gcs.Client
	key    *ServiceAccountKey
	now    func() time.Time
}

type SignerOption func(*URLSigner)

func WithServiceAccountKey(key *ServiceAccountKey) SignerOption {
	return func(s *URLSigner) { s.key = key }
}

func WithSignerClock(clock func() time.Time) SignerOption {
	return func(s *URLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewURLSigner(client *gcs.Client, opts ...SignerOption) (*URLSigner, error) {
	s := &URLSigner{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil && s.key == nil {
		return nil, errors.New("storage: url signer needs a client or a service account key")
	}
	return s, nil
}

// DownloadOptions describe who asks for the link and how the browser should treat the object.
type DownloadOptions struct {
	TTL         time.Duration
	Disposition string
	ContentType string
	OwnerID     string
	Identity    *auth.Identity
}

type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDownloadURL authorises the caller against the object owner and signs a V4 GET URL.
func (s *URLSigner) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if err := ctx.Err(); err != nil {
		return SignedURLResult{}, err
	}
	bucket, object = strings.TrimSpace(bucket), strings.TrimSpace(object)
	if bucket == "" || object == "" {
		return SignedURLResult{}, errMissingObject
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	if ttl > maxLinkTTL {
		return SignedURLResult{}, errTTLTooLong
	}
	if err := AuthorizeDownload(opts.Identity, opts.OwnerID); err != nil {
		return SignedURLResult{}, err
	}

	expires := s.now().Add(ttl)
	signOpts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	}
	query := url.Values{}
	if opts.Disposition != "" {
		query.Set("response-content-disposition", opts.Disposition)
	}
	if opts.ContentType != "" {
		query.Set("response-content-type", opts.ContentType)
	}
	if len(query) > 0 {
		signOpts.QueryParameters = query
	}

	var (
		link string
		err  error
	)
	if s.key != nil {
		signOpts.GoogleAccessID = s.key.Email
		signOpts.PrivateKey = []byte(s.key.PrivateKey)
		link, err = gcs.SignedURL(bucket, object, signOpts)
	} else {
		link, err = s.client.Bucket(bucket).SignedURL(object, signOpts)
	}
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign %s/%s: %w", bucket, object, err)
	}
	return SignedURLResult{URL: link, Method: signOpts.Method, ExpiresAt: expires}, nil
}
