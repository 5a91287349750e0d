package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

func TestCatalogCollection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, name FROM collections").
		WithArgs("coll-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("coll-1", "Freezers"))
	mock.ExpectQuery("FROM collection_sensors").
		WithArgs("coll-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "serial_number", "model", "name", "data_config", "valid_from", "valid_to"}).
			AddRow("s1", "EL-1", "RC-4HC", "cold-room", []byte(`{"temperatureColumn":"C","startRow":3}`), from, nil).
			AddRow("s2", "EL-2", "", "", nil, nil, nil).
			AddRow("s3", "EL-3", "", "broken", []byte(`{not json`), nil, nil))

	coll, err := NewPostgresCatalog(db).Collection(context.Background(), "coll-1")
	require.NoError(t, err)

	assert.Equal(t, "Freezers", coll.Name)
	require.Len(t, coll.Sensors, 3)

	s1 := coll.Sensors[0]
	require.NotNil(t, s1.Layout)
	assert.Equal(t, "C", s1.Layout.TemperatureColumn)
	assert.Equal(t, 3, s1.Layout.StartRow)
	require.NotNil(t, s1.ValidFrom)
	assert.True(t, s1.ValidFrom.Equal(from))
	assert.Nil(t, s1.ValidTo)

	assert.Nil(t, coll.Sensors[1].Layout)
	assert.Nil(t, coll.Sensors[2].Layout, "undecodable layout is ignored")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogCollectionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name FROM collections").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	_, err = NewPostgresCatalog(db).Collection(context.Background(), "nope")
	assert.True(t, errors.Is(err, core.ErrCollectionNotFound), "got %v", err)
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
