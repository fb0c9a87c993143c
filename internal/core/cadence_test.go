package core

import (
	"errors"
	"testing"
	"time"
)

func at(value string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAdvanceInterval(t *testing.T) {
	base := at("2024-01-01 00:00:00")
	tests := []struct {
		name string
		now  time.Duration
		want time.Duration
	}{
		{"on time", 0, 10 * time.Second},
		{"clock behind previous", -5 * time.Second, 10 * time.Second},
		{"missed several periods", 35 * time.Second, 40 * time.Second},
		{"exactly on a boundary", 40 * time.Second, 50 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := advanceInterval(base, 10*time.Second, base.Add(tt.now))
			if want := base.Add(tt.want); !got.Equal(want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestFirstDue(t *testing.T) {
	now := at("2024-01-03 10:20:00") // Wednesday
	tests := []struct {
		name   string
		sch    *Schedule
		want   time.Time
		wantOK bool
	}{
		{
			name:   "startup fires immediately",
			sch:    &Schedule{Type: ScheduleTypeStartup},
			want:   now,
			wantOK: true,
		},
		{
			name:   "interval waits one period",
			sch:    &Schedule{Type: ScheduleTypeInterval, Repeat: time.Minute},
			want:   now.Add(time.Minute),
			wantOK: true,
		},
		{
			name:   "daily later today",
			sch:    &Schedule{Type: ScheduleTypeTimed, Time: &TimeOfDay{Hour: 23}},
			want:   at("2024-01-03 23:00:00"),
			wantOK: true,
		},
		{
			name:   "daily already passed",
			sch:    &Schedule{Type: ScheduleTypeTimed, Time: &TimeOfDay{Hour: 3}},
			want:   at("2024-01-04 03:00:00"),
			wantOK: true,
		},
		{
			name:   "weekly on monday",
			sch:    &Schedule{Type: ScheduleTypeTimed, Day: 1, Time: &TimeOfDay{Hour: 9, Minute: 30}},
			want:   at("2024-01-08 09:30:00"),
			wantOK: true,
		},
		{
			name:   "day seven is sunday",
			sch:    &Schedule{Type: ScheduleTypeTimed, Day: 7, Time: &TimeOfDay{Hour: 12}},
			want:   at("2024-01-07 12:00:00"),
			wantOK: true,
		},
		{
			name:   "short repeat runs hourly",
			sch:    &Schedule{Type: ScheduleTypeTimed, Repeat: time.Hour, Time: &TimeOfDay{Minute: 15, Second: 30}},
			want:   at("2024-01-03 11:15:30"),
			wantOK: true,
		},
		{
			name: "manual never fires",
			sch:  &Schedule{Type: ScheduleTypeManual},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := FirstDue(tt.sch, now, time.UTC)
			if err != nil {
				t.Fatal(err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimedUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	sch := &Schedule{Type: ScheduleTypeTimed, Time: &TimeOfDay{Hour: 3}}
	got, _, err := FirstDue(sch, at("2024-01-03 00:00:00"), loc)
	if err != nil {
		t.Fatal(err)
	}
	if want := at("2024-01-03 01:00:00"); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got.UTC(), want)
	}
}

func TestFirstDueUnknownType(t *testing.T) {
	_, _, err := FirstDue(&Schedule{Name: "odd", Type: ScheduleType(9)}, time.Now(), time.UTC)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNextOccurrences(t *testing.T) {
	base := at("2024-01-03 10:20:00")

	interval, err := NextOccurrences(&Schedule{Type: ScheduleTypeInterval, Repeat: 90 * time.Second}, base, time.UTC, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, got := range interval {
		if want := base.Add(time.Duration(i+1) * 90 * time.Second); !got.Equal(want) {
			t.Fatalf("occurrence %d = %v, want %v", i, got, want)
		}
	}

	daily, err := NextOccurrences(&Schedule{Type: ScheduleTypeTimed, Time: &TimeOfDay{Hour: 6}}, base, time.UTC, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 2 || !daily[0].Equal(at("2024-01-04 06:00:00")) || !daily[1].Equal(at("2024-01-05 06:00:00")) {
		t.Fatalf("daily = %v", daily)
	}

	startup, _ := NextOccurrences(&Schedule{Type: ScheduleTypeStartup}, base, time.UTC, 5)
	if len(startup) != 1 {
		t.Fatalf("startup occurrences = %v", startup)
	}
	manual, _ := NextOccurrences(&Schedule{Type: ScheduleTypeManual}, base, time.UTC, 5)
	if len(manual) != 0 {
		t.Fatalf("manual occurrences = %v", manual)
	}
}
