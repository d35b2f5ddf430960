// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package podutils tells the compiler about the pod it runs in: the base
// image to reuse for steps and the namespace to deploy into. The default
// Inspector reads the environment and the service account mount, so it
// works without cluster access.
package podutils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// DefaultImage is used for steps when nothing better is known.
const DefaultImage = "python:3.11"

// DefaultNamespace is used outside a pod.
const DefaultNamespace = "kubeflow-user"

// NamespaceFile is where Kubernetes mounts the pod namespace.
const NamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Environment variables read by EnvInspector.
const (
	EnvImage       = "JUPYTER_IMAGE"
	EnvNotebook    = "NB_PREFIX"
	EnvHostname    = "HOSTNAME"
	EnvCredentials = "GOOGLE_APPLICATION_CREDENTIALS"
)

// ErrInvalidNamespace is returned when the discovered namespace is not a
// DNS-1123 label.
var ErrInvalidNamespace = errors.New("invalid namespace")

// Inspector discovers facts about the current pod.
type Inspector interface {
	// Image returns the image steps should run in.
	Image(ctx context.Context) (string, error)
	// Namespace returns the namespace pipelines are deployed into.
	Namespace(ctx context.Context) (string, error)
	// InPod reports whether the process runs inside a notebook pod.
	InPod() bool
	// TaskEnv returns variables every generated task inherits.
	TaskEnv() map[string]string
}

// EnvInspector implements Inspector from environment variables and the
// service account mount.
type EnvInspector struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// NewEnvInspector creates an EnvInspector backed by the process
// environment.
func NewEnvInspector() *EnvInspector {
	return &EnvInspector{Getenv: os.Getenv, ReadFile: os.ReadFile}
}

func (e *EnvInspector) getenv(key string) string {
	get := e.Getenv
	if get == nil {
		get = os.Getenv
	}
	return strings.TrimSpace(get(key))
}

// InPod reports whether NB_PREFIX is set, which the notebook controller
// does for every notebook server.
func (e *EnvInspector) InPod() bool {
	return e.getenv(EnvNotebook) != ""
}

// PodName returns the notebook pod name, or "" outside a pod.
func (e *EnvInspector) PodName() string {
	if !e.InPod() {
		return ""
	}
	return e.getenv(EnvHostname)
}

// Image returns JUPYTER_IMAGE, or DefaultImage.
func (e *EnvInspector) Image(_ context.Context) (string, error) {
	if img := e.getenv(EnvImage); img != "" {
		return img, nil
	}
	return DefaultImage, nil
}

// Namespace reads the service account namespace file, falling back to
// DefaultNamespace when it does not exist.
func (e *EnvInspector) Namespace(_ context.Context) (string, error) {
	read := e.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(NamespaceFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultNamespace, nil
		}
		return "", fmt.Errorf("reading %s: %w", NamespaceFile, err)
	}
	ns := strings.TrimSpace(string(data))
	if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
		return "", fmt.Errorf("%w %q: %s", ErrInvalidNamespace, ns, strings.Join(errs, "; "))
	}
	return ns, nil
}

// TaskEnv returns the environment variables that generated tasks inherit
// from the notebook: the cloud credentials path when set.
func (e *EnvInspector) TaskEnv() map[string]string {
	env := map[string]string{}
	if v := e.getenv(EnvCredentials); v != "" {
		env[EnvCredentials] = v
	}
	return env
}
