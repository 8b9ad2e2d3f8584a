//go:build cloudintegration

package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kernelcron/test/cloudtest"
)

func TestArchiver_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results.csv"), []byte("a,b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plots", "loss.png"), []byte("png"), 0o644))

	a, err := New(ctx, Config{
		URI:             "s3://" + bucket + "/runs",
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	}, nil)
	require.NoError(t, err)

	res, err := a.ArchiveDir(ctx, "titanic", "job1", dir)
	require.NoError(t, err)
	assert.Len(t, res.Keys, 2)
	assert.EqualValues(t, 7, res.Bytes)

	assert.ElementsMatch(t,
		[]string{"runs/titanic/job1/results.csv", "runs/titanic/job1/plots/loss.png"},
		cloudtest.ListKeys(t, ctx, bucket))
	assert.Equal(t, "a,b\n", string(cloudtest.GetObject(t, ctx, bucket, "runs/titanic/job1/results.csv")))
}
