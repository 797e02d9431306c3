package server

import (
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/BYTEDz/PCLink/internal/extensions"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

// handleStatus is the public liveness endpoint: feature flags plus coarse
// host stats for the dashboard.
func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s := a.Config.Snapshot()
	hostname, _ := os.Hostname()

	var cpuCount int
	if n, err := cpu.Counts(true); err == nil {
		cpuCount = n
	}
	var memTotal, memUsed uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memTotal, memUsed = vm.Total, vm.Used
	}
	platform := ""
	if info, err := host.Info(); err == nil {
		platform = info.Platform
	}

	httpx.WriteJSON(w, map[string]any{
		"ok":             true,
		"hostname":       hostname,
		"platform":       platform,
		"cpu_count":      cpuCount,
		"memory_total":   memTotal,
		"memory_used":    memUsed,
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"setup_complete": s.SetupComplete,
		"services":       s.Toggles,
	})
}

// handleQRPayload returns the pairing bootstrap record the mobile app scans.
// Only served once first-time setup is done; until then there is no API key
// worth bootstrapping.
func (a *App) handleQRPayload(w http.ResponseWriter, _ *http.Request) {
	if !a.MobileAPIActive() {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeConflictExists, "server setup is not complete")
		return
	}
	port, listening := a.ListeningPort()
	if !listening {
		port = a.Config.Snapshot().Port
	}
	httpx.WriteJSON(w, map[string]any{
		"ip":              primaryIP(),
		"port":            port,
		"protocol":        "https",
		"apiKey":          a.Identity.APIKey(),
		"certFingerprint": a.Identity.Fingerprint(),
	})
}

func (a *App) handleExtensionsList(w http.ResponseWriter, _ *http.Request) {
	list, err := extensions.Scan("")
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeIOError, "could not scan extensions")
		return
	}
	if list == nil {
		list = []extensions.Manifest{}
	}
	httpx.WriteJSON(w, map[string]any{"extensions": list})
}

// primaryIP picks the host's outbound-facing IPv4 without sending traffic.
func primaryIP() string {
	conn, err := net.Dial("udp4", "192.168.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
