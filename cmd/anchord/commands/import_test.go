package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDonationsAcceptsBothShapes(t *testing.T) {
	dir := t.TempDir()
	record := `{"id":"don-1","amount":"1000","currency":"INR","payment_reference":"pay_1","created_at":"2024-03-01T10:00:00Z","payment_status":"completed"}`

	arrayFile := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(arrayFile, []byte("["+record+"]"), 0600))
	wrappedFile := filepath.Join(dir, "wrapped.json")
	require.NoError(t, os.WriteFile(wrappedFile, []byte(`  {"donations":[`+record+`]}`), 0600))

	for _, path := range []string{arrayFile, wrappedFile} {
		ds, err := readDonations(path)
		require.NoError(t, err, path)
		require.Len(t, ds, 1)
		assert.Equal(t, "don-1", ds[0].ID)
		assert.Equal(t, "1000.00", ds[0].Amount.StringFixed(2))
		assert.Equal(t, "2024-03-01T10:00:00Z", ds[0].CreatedAt)
	}

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0600))
	_, err := readDonations(bad)
	assert.Error(t, err)
}
