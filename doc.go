// Package trellis is a local streaming sandbox for Apache Pulsar.
//
// The trellis CLI runs Pulsar standalone, pulsar-manager, Prometheus and
// Grafana as containers on podman or docker, prepares a tenant, namespace and
// topic for experiments, and can start a local Flink cluster with a Beam job
// server for portable pipelines.
//
// # Installation
//
//	go install github.com/trellis-sandbox/trellis/cmd/trellis@latest
//
// # Quick Start
//
//	trellis start
//	trellis status
//	trellis init-space --tenant dev --namespace ingress --topic nums
//	trellis flink up
//	trellis down
//
// # Architecture
//
// Every command resolves a container runtime (podman-compose, podman compose
// or docker compose), builds the sandbox topology from configuration and an
// optional overrides file, and drives the engine through argument vectors:
//   - internal/runtime: runtime discovery
//   - internal/engine: engine commands and idempotent convergence
//   - internal/stack: dependency ordering and the bring-up state machine
//   - internal/seed: tenant, namespace and topic preparation
//   - internal/flink: Flink cluster and Beam job server
//
// Generated files live under the state directory, $XDG_DATA_HOME/trellis by
// default.
package trellis
