package appinfo

// Name is the user-facing application name.
const Name = "FleetConsole"

// ClientID identifies this console to the gateway during the connect handshake.
const ClientID = "fleetconsole"

// Version is the user-facing semantic version.
//
// Keep this as a var so it can be overridden at build time via:
//
//	-ldflags "-X fleetconsole/internal/appinfo.Version=0.3.0"
var Version = "0.2.0"

func Display() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	return Name + " v" + v
}
