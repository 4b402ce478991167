package reschedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

func TestParseBatchCSV(t *testing.T) {
	data := "\ufeffPhone, Patient_Name ,site_id,study_id,visit_id,subject_id,appointment_id,earliest_date,availability_notes\n" +
		"+1 (500) 555-0001,Ann Lee,site-tul,study-9,v3,s1,a1,2026-03-10,\"mornings, not Friday\"\n" +
		",,,,,,,,\n" +
		"+15005550002,Bo Diaz,site-tul,study-9,v3,s2,a2,next week,\n" +
		"+15005550003,Cy Park,site-tul,study-9,v3,s3,a1,,\n" +
		"+15005550004,Di Ng,site-tul,,v3,s4,a4,,\n"

	reqs, rejected, err := ParseBatchCSV([]byte(data))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "+15005550001", reqs[0].Phone)
	assert.Equal(t, "Ann Lee", reqs[0].PatientName)
	assert.Equal(t, "mornings, not Friday", reqs[0].AvailabilityNotes)
	require.NotNil(t, reqs[0].EarliestNewDate)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), *reqs[0].EarliestNewDate)

	require.Len(t, rejected, 3)
	assert.Equal(t, RowError{Line: 4, Phone: "+15005550002", Reason: "invalid earliest_date"}, rejected[0])
	assert.Equal(t, 5, rejected[1].Line)
	assert.Contains(t, rejected[1].Reason, "duplicate appointment_id (line 2)")
	assert.Equal(t, 6, rejected[2].Line)
	assert.Equal(t, "site_id and study_id required", rejected[2].Reason)
}

func TestParseBatchCSVMissingColumn(t *testing.T) {
	_, _, err := ParseBatchCSV([]byte("phone,site_id,study_id\n+15005550001,s,t\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrParseFailure))

	_, _, err = ParseBatchCSV(nil)
	assert.True(t, errors.Is(err, apperr.ErrParseFailure))
}
