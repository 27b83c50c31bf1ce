package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "07:00", want: 7 * 3600},
		{in: "7:05", want: 7*3600 + 5*60},
		{in: "23:59", want: 23*3600 + 59*60},
		{in: "00:00", want: 0},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "12:5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.True(t, got.Valid())
		})
	}
}

func TestTimeOfDayOn(t *testing.T) {
	t.Parallel()

	tod, err := NewTimeOfDay(6, 30)
	require.NoError(t, err)
	ref := time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 9, 6, 30, 0, 0, time.UTC), tod.On(ref))
	require.Equal(t, "06:30", tod.String())
}

func TestTimeOfDayZones(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("EST", -5*3600)
	ref := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	tod, err := TimeOfDayFromLocal("07:00", loc, ref)
	require.NoError(t, err)
	require.Equal(t, "12:00", tod.String())
	require.Equal(t, "07:00", tod.InZone(loc, ref))
}

func TestNormalizeSender(t *testing.T) {
	t.Parallel()

	got, err := NormalizeSender("+15551234567")
	require.NoError(t, err)
	require.Equal(t, "5551234567", got)

	for _, bad := range []string{"", "5551234567", "+1555123456", "+155512345678", "+1555123456x", "+445551234567"} {
		_, err := NormalizeSender(bad)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "input %q", bad)
	}
}

func TestCanonicalNumber(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"(555) 123-4567", "+1 555 123 4567", "15551234567", "555.123.4567"} {
		got, err := CanonicalNumber(in)
		require.NoError(t, err, in)
		require.Equal(t, "5551234567", got)
	}
	_, err := CanonicalNumber("555-1234")
	require.Error(t, err)
	_, err = CanonicalNumber("555-123-456a")
	require.Error(t, err)
	require.Equal(t, "+15551234567", E164("5551234567"))
}

func TestOwner(t *testing.T) {
	t.Parallel()

	require.True(t, AlarmOwner("a").Valid())
	require.False(t, Owner{}.Valid())
	require.False(t, Owner{AlarmID: "a", PhoneID: "p"}.Valid())

	var tk Ticket
	PhoneOwner("p1").Attach(&tk)
	require.True(t, PhoneOwner("p1").Matches(tk))
	require.False(t, AlarmOwner("p1").Matches(tk))
	require.True(t, tk.Open())
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("queue down")
	err := error(&PartialArmError{AlarmID: "a", Submitted: 2, Planned: 6, Err: cause})
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "2/6")

	leak := &LedgerLeakError{JobID: "j", Err: cause}
	wrapped := &PartialArmError{AlarmID: "a", Err: leak}
	var le *LedgerLeakError
	require.ErrorAs(t, wrapped, &le)
	require.Equal(t, "j", le.JobID)
}

func TestStep(t *testing.T) {
	t.Parallel()

	require.Equal(t, "call", CallStep().String())
	require.Equal(t, StepText, TextStep("hi").Kind)
	k, err := ParseStepKind("text")
	require.NoError(t, err)
	require.Equal(t, StepText, k)
	_, err = ParseStepKind("fax")
	require.Error(t, err)
}
