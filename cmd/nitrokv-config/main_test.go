// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/pkg/cluster"
)

func TestValidateLevelFlags_RejectsUnknownLevel(t *testing.T) {
	err := validateLevelFlags("node", "")
	require.Error(t, err)
}

func TestValidateLevelFlags_BucketLevelRequiresBucketName(t *testing.T) {
	err := validateLevelFlags("bucket", "")
	require.Error(t, err)

	err = validateLevelFlags("bucket", "default")
	require.NoError(t, err)
}

func TestValidateLevelFlags_ClusterLevelNeedsNoBucketName(t *testing.T) {
	require.NoError(t, validateLevelFlags("cluster", ""))
}

func TestNewRootCmd_SeedsFlagIsRequired(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--level", "cluster"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err, "--seeds is marked required")
}

func TestNewRootCmd_DefaultsLevelToCluster(t *testing.T) {
	cmd := newRootCmd()
	flag := cmd.Flags().Lookup("level")
	require.NotNil(t, flag)
	require.Equal(t, "cluster", flag.DefValue)
}

func TestPrintConfig_WritesNilClusterConfigAsNull(t *testing.T) {
	prettyJSON = false
	cl, err := cluster.New(zap.NewNop(), cluster.Options{})
	require.NoError(t, err)

	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, printConfig(cmd, cl, nil))
	require.Equal(t, "null\n", buf.String())
}

func TestPrintConfig_PrettyJSONNilConfigIsNull(t *testing.T) {
	prettyJSON = true
	defer func() { prettyJSON = false }()
	cl, err := cluster.New(zap.NewNop(), cluster.Options{})
	require.NoError(t, err)

	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, printConfig(cmd, cl, nil))
	require.Equal(t, "null\n", buf.String(), "a nil *topology.Config marshals to the literal null regardless of indent mode")
}
