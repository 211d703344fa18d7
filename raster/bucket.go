/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package raster

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// openObject opens the blob storage bucket holding the object at objectURL
// and returns it together with the object's key within the bucket.
// The URL must be in the format 'provider://bucket/key' where provider is
// the name of the storage provider. The currently accepted storage
// providers are "file" for the local filesystem (e.g., for testing), "gs"
// for Google Cloud Storage, and "s3" for AWS S3. The caller must close the
// returned bucket.
func openObject(ctx context.Context, objectURL string) (*blob.Bucket, string, error) {
	u, err := url.Parse(objectURL)
	if err != nil {
		return nil, "", fmt.Errorf("raster: parsing product URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		// The bucket is the directory holding the file.
		dir, key := path.Split(path.Join(u.Hostname(), u.Path))
		b, err := fileblob.OpenBucket(dir, nil)
		return b, key, err
	case "gs":
		b, err := gsBucket(ctx, u.Hostname())
		return b, objectKey(u), err
	case "s3":
		b, err := s3Bucket(ctx, u.Hostname())
		return b, objectKey(u), err
	default:
		return nil, "", fmt.Errorf("raster: invalid storage provider %q in product URL %s", u.Scheme, objectURL)
	}
}

func objectKey(u *url.URL) string {
	return strings.TrimPrefix(u.Path, "/")
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s := session.Must(session.NewSession(c))
	return s3blob.OpenBucket(ctx, s, name, nil)
}
