package watchdog

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestParsePrepareForSleep(t *testing.T) {
	tests := []struct {
		name         string
		sig          *dbus.Signal
		wantEntering bool
		wantOK       bool
	}{
		{
			name:         "entering sleep",
			sig:          &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep", Body: []interface{}{true}},
			wantEntering: true,
			wantOK:       true,
		},
		{
			name:   "resume",
			sig:    &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep", Body: []interface{}{false}},
			wantOK: true,
		},
		{
			name: "other signal",
			sig:  &dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []interface{}{false}},
		},
		{
			name: "empty body",
			sig:  &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep"},
		},
		{
			name: "wrong body type",
			sig:  &dbus.Signal{Name: "org.freedesktop.login1.Manager.PrepareForSleep", Body: []interface{}{"yes"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entering, ok := parsePrepareForSleep(tt.sig)
			if entering != tt.wantEntering || ok != tt.wantOK {
				t.Errorf("parsePrepareForSleep() = %v, %v, want %v, %v", entering, ok, tt.wantEntering, tt.wantOK)
			}
		})
	}
}
