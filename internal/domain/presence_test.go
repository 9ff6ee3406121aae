package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateRoomID(t *testing.T) {
	cases := []struct {
		id   string
		want error
	}{
		{"grading-1", nil},
		{"group:42", nil},
		{"5f8d0d55b54764421b7156c3", nil},
		{"", ErrInvalidRoomID},
		{" grading", ErrInvalidRoomID},
		{"room*", ErrInvalidRoomID},
		{"a b", ErrInvalidRoomID},
		{"-leading", ErrInvalidRoomID},
		{strings.Repeat("x", 129), ErrInvalidRoomID},
	}
	for _, c := range cases {
		if got := ValidateRoomID(c.id); !errors.Is(got, c.want) {
			t.Errorf("ValidateRoomID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID("user-1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateUserID("u?"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestSession_Rooms(t *testing.T) {
	s := NewSession(Identity{UserID: "a"}, "c1", time.Now())
	s.AddRoom("r2")
	s.AddRoom("r1")
	s.AddRoom("r1")
	if got := s.Rooms(); len(got) != 2 || got[0] != "r1" || got[1] != "r2" {
		t.Fatalf("rooms = %v", got)
	}
	if !s.InRoom("r2") {
		t.Fatal("expected r2 joined")
	}
	s.RemoveRoom("r2")
	if s.InRoom("r2") {
		t.Fatal("r2 should be gone")
	}
}
