package store

import (
	"testing"
	"time"
)

func TestStudentFullName(t *testing.T) {
	tests := []struct {
		first, last, want string
	}{
		{"Mario", "Rossi", "Mario Rossi"},
		{"Mario", "", "Mario"},
		{"", "", ""},
	}
	for _, tt := range tests {
		s := Student{FirstName: tt.first, LastName: tt.last}
		if got := s.FullName(); got != tt.want {
			t.Errorf("FullName(%q, %q) = %q, want %q", tt.first, tt.last, got, tt.want)
		}
	}
}

func TestLessonEndAt(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	l := Lesson{StartAt: start, DurationMinutes: 90}
	want := time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC)
	if got := l.EndAt(); !got.Equal(want) {
		t.Errorf("EndAt = %v, want %v", got, want)
	}
}

func TestLessonPrice(t *testing.T) {
	rate := 30.0
	tests := []struct {
		name   string
		lesson Lesson
		want   float64
	}{
		{"no rate", Lesson{DurationMinutes: 60}, 0},
		{"full hour", Lesson{DurationMinutes: 60, HourlyRate: &rate}, 30},
		{"ninety minutes", Lesson{DurationMinutes: 90, HourlyRate: &rate}, 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lesson.Price(); got != tt.want {
				t.Errorf("Price = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidPaymentMethod(t *testing.T) {
	for _, valid := range []string{"cash", "electronic-transfer", "other-digital"} {
		if !ValidPaymentMethod(valid) {
			t.Errorf("ValidPaymentMethod(%q) = false", valid)
		}
	}
	for _, invalid := range []string{"", "Cash", "cheque"} {
		if ValidPaymentMethod(invalid) {
			t.Errorf("ValidPaymentMethod(%q) = true", invalid)
		}
	}
}
