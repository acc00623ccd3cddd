// Package systemd holds the daemon unit template and install-time unit
// file integrity checking.
package systemd

// DaemonTemplate returns the systemd unit for the wopr daemon. The home
// directory is pinned through WOPR_HOME so the unit survives user moves,
// and ReadWritePaths confines writes to it.
func DaemonTemplate(home string) string {
	return `[Unit]
Description=wopr trust and sandbox enforcement daemon
After=network-online.target docker.service
Wants=network-online.target

[Service]
Type=simple
Environment=WOPR_HOME=` + home + `
ExecStart=/usr/local/bin/wopr daemon
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=` + home + `

[Install]
WantedBy=multi-user.target
`
}
