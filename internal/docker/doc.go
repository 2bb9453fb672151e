// Package docker is the container isolation backend.
//
// An environment is one long-lived container created from the configured
// image, with the workspace root bind-mounted at the same path. Commands run
// through the exec API with the computed environment. Containers carry
// daliugebuild.* labels naming the workspace root, the environment path and
// the run that created them.
//
// The client connects through DOCKER_HOST when set, otherwise through the
// first local daemon socket found.
package docker
