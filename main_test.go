package connectorsync

import (
	"os"
	"testing"

	"github.com/campaignlab/connector-sync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=consync_api_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("consync_api_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}
