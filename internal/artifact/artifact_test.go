package artifact

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

func sampleSnapshot() *models.Snapshot {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return &models.Snapshot{
		SchemaVersion: models.SnapshotSchemaVersion,
		GeneratedAt:   ts,
		Full:          true,
		Tables: []string{models.TableInventoryItems, models.TableUsers, models.TableSettings,
			models.TableAuditEntries},
		InventoryItems: []models.InventoryItem{
			{ID: "item-1", Name: "Saline, 0.9%", Category: "fluids", Quantity: 40, Unit: "bag",
				Destination: "WAREHOUSE", ExpiryDate: "2027-01-31", CreatedAt: ts, UpdatedAt: ts},
			{ID: "item-2", Name: "O'Brien \"sterile\" gauze\nlarge", Quantity: 3, Destination: "CLINIC",
				CreatedAt: ts, UpdatedAt: ts},
		},
		Users: []models.User{
			{ID: "user-1", Email: "nurse@example.org", Name: "Ada", Role: models.RoleDataEntry, Active: true, CreatedAt: ts},
		},
		Settings: []models.Setting{{Key: "locale", Value: "en", UpdatedAt: ts}},
		AuditEntries: []models.AuditEntry{
			{Sequence: 1, ID: "a-1", Timestamp: ts, ActorID: "user-1", Action: models.ActionUpdate,
				EntityType: "inventory_item", EntityID: "item-1",
				Changes:   json.RawMessage(`{"note":{"after":"<b>&"}}`),
				Signature: strings.Repeat("ab", 32)},
		},
	}
}

func TestBuildAndDecodeRoundTrip(t *testing.T) {
	for _, format := range []models.BackupFormat{models.FormatCSV, models.FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			snap := sampleSnapshot()

			art, err := Build(snap, format)
			require.NoError(t, err)
			assert.Equal(t, int64(5), art.RecordCount)
			assert.Equal(t, int64(len(art.Data)), art.PlaintextSize)

			decoded, err := Decode(art.Data, format)
			require.NoError(t, err)
			assert.Equal(t, snap.Tables, decoded.Tables)
			assert.True(t, decoded.Full)
			require.Len(t, decoded.InventoryItems, 2)
			assert.Equal(t, snap.InventoryItems[1].Name, decoded.InventoryItems[1].Name)
			assert.True(t, snap.InventoryItems[0].CreatedAt.Equal(decoded.InventoryItems[0].CreatedAt))
			require.Len(t, decoded.AuditEntries, 1)
			// Signed bytes must survive exactly
			assert.Equal(t, string(snap.AuditEntries[0].Changes), string(decoded.AuditEntries[0].Changes))
			assert.Equal(t, snap.AuditEntries[0].Signature, decoded.AuditEntries[0].Signature)
		})
	}
}

func TestCSVSections(t *testing.T) {
	art, err := Build(sampleSnapshot(), models.FormatCSV)
	require.NoError(t, err)

	out := string(art.Data)
	assert.Contains(t, out, "# table: inventory_items\n")
	assert.Contains(t, out, "# table: users\nid,email,name,role,active,created_at\n")
	assert.NotContains(t, out, "password")
}

func TestBuildSQL(t *testing.T) {
	art, err := Build(sampleSnapshot(), models.FormatSQL)
	require.NoError(t, err)

	script := string(art.Data)
	assert.True(t, strings.HasPrefix(script, "-- medtrack backup schema_version=1"))
	assert.Contains(t, script, "DELETE FROM inventory_items;")
	assert.Contains(t, script, "DELETE FROM settings;")
	assert.NotContains(t, script, "DELETE FROM users")
	assert.Contains(t, script, `'O''Brien "sterile" gauze`)
	assert.Contains(t, script, "ON CONFLICT DO NOTHING;")
	assert.NotContains(t, script, "password_hash")

	plan, err := PlanFor(art.Data, models.FormatSQL)
	require.NoError(t, err)
	assert.Equal(t, script, plan.Script)

	ranged := sampleSnapshot()
	ranged.Full = false
	art, err = Build(ranged, models.FormatSQL)
	require.NoError(t, err)
	assert.NotContains(t, string(art.Data), "DELETE FROM")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"), models.FormatJSON)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))

	_, err = Decode([]byte("id,name\n1,2\n"), models.FormatCSV)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))

	_, err = PlanFor([]byte("DROP TABLE users;"), models.FormatSQL)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))

	_, err = Build(sampleSnapshot(), models.BackupFormat("XML"))
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}

func TestCipher(t *testing.T) {
	_, err := NewCipher("")
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))

	c, err := NewCipher("correct horse battery staple")
	require.NoError(t, err)

	plaintext := []byte(`{"schema_version":1}`)
	first, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	second, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(first))
	assert.False(t, bytes.Equal(first, second), "fresh IV per artifact")

	opened, err := c.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	tampered := append([]byte(nil), first...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = c.Decrypt(tampered)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))

	other, err := NewCipher("another secret")
	require.NoError(t, err)
	_, err = other.Decrypt(first)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))
}

func TestStore(t *testing.T) {
	store, err := NewStore(afero.NewMemMapFs(), "/backups")
	require.NoError(t, err)

	require.NoError(t, store.Write("a.json", []byte("data")))
	ok, err := store.Exists("a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Read("a.json")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	require.NoError(t, store.Delete("a.json"))
	require.NoError(t, store.Delete("a.json"))
	_, err = store.Read("a.json")
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

	assert.True(t, utils.IsCode(store.Write("../escape", nil), utils.ErrCodeValidation))
}

func TestFilenameAndContentType(t *testing.T) {
	ts := time.Date(2026, 10, 19, 2, 0, 0, 123000000, time.UTC)
	assert.Equal(t, "20261019T020000.123Z-pre-restore.json",
		Filename(ts, models.BackupTypePreRestore, models.FormatJSON, false))
	assert.Equal(t, "20261019T020000.123Z-automatic.sql.encrypted",
		Filename(ts, models.BackupTypeAutomatic, models.FormatSQL, true))

	assert.Equal(t, "text/csv", ContentType(models.FormatCSV, false))
	assert.Equal(t, "application/octet-stream", ContentType(models.FormatCSV, true))
}
