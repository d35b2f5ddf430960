// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package podutils

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inspector(env map[string]string, ns string, readErr error) *EnvInspector {
	return &EnvInspector{
		Getenv: func(k string) string { return env[k] },
		ReadFile: func(string) ([]byte, error) {
			if readErr != nil {
				return nil, readErr
			}
			return []byte(ns), nil
		},
	}
}

func TestEnvInspector_Image(t *testing.T) {
	img, err := inspector(map[string]string{EnvImage: " kale/nb:1.0 "}, "", nil).Image(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kale/nb:1.0", img)

	img, err = inspector(nil, "", nil).Image(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultImage, img)
}

func TestEnvInspector_Namespace(t *testing.T) {
	tests := []struct {
		name    string
		ns      string
		readErr error
		want    string
		wantErr error
	}{
		{name: "mounted", ns: "team-a\n", want: "team-a"},
		{name: "outside pod", readErr: os.ErrNotExist, want: DefaultNamespace},
		{name: "invalid", ns: "Team_A", wantErr: ErrInvalidNamespace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inspector(nil, tt.ns, tt.readErr).Namespace(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := inspector(nil, "", errors.New("permission denied")).Namespace(context.Background())
	assert.Error(t, err)
}

func TestEnvInspector_InPodAndTaskEnv(t *testing.T) {
	in := inspector(map[string]string{EnvNotebook: "/notebook/ns/nb", EnvCredentials: "/secret/gcp.json"}, "", nil)
	assert.True(t, in.InPod())
	assert.Empty(t, in.PodName())
	in.Getenv = func(k string) string {
		return map[string]string{EnvNotebook: "/notebook/ns/nb", EnvHostname: "nb-0", EnvCredentials: "/secret/gcp.json"}[k]
	}
	assert.Equal(t, "nb-0", in.PodName())
	assert.Equal(t, map[string]string{EnvCredentials: "/secret/gcp.json"}, in.TaskEnv())

	out := inspector(nil, "", nil)
	assert.False(t, out.InPod())
	assert.Empty(t, out.TaskEnv())
}

var _ Inspector = (*EnvInspector)(nil)
