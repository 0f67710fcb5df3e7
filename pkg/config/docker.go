package config

import (
	"os"
	"sync"
)

// dockerGatewayHost reaches the host machine from inside a container.
const dockerGatewayHost = "host.docker.internal"

var (
	dockerEnvFile  = "/.dockerenv"
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the process runs inside a Docker container, detected
// through /.dockerenv. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvFile)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback hosts to the Docker host gateway when running in
// a container, so a Postgres or Redis on the developer's machine stays reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return dockerGatewayHost
	default:
		return host
	}
}
