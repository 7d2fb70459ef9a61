package config_test

import (
	"testing"

	"github.com/Achillessanger/SmartWN/config"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	opts, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Defaults()
	if opts != want {
		t.Fatalf("got %+v want %+v", opts, want)
	}
}
