package streams_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/temirov/procrun/streams"
)

func TestNewPipePairSetsParentEndNonBlocking(testInstance *testing.T) {
	testCases := []struct {
		name        string
		parentReads bool
	}{
		{name: "parent_reads", parentReads: true},
		{name: "parent_writes", parentReads: false},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			pipePair, pipeError := streams.NewPipePair(testCase.parentReads)
			require.NoError(testInstance, pipeError)
			defer pipePair.Close()

			parentEnd := pipePair.WriteEnd
			if testCase.parentReads {
				parentEnd = pipePair.ReadEnd
			}

			descriptorFlags, flagsError := unix.FcntlInt(parentEnd.Fd(), unix.F_GETFL, 0)
			require.NoError(testInstance, flagsError)
			assert.NotZero(testInstance, descriptorFlags&unix.O_NONBLOCK)
		})
	}
}

func TestBuildChildDescriptorTableResolvesModes(testInstance *testing.T) {
	scratchDirectory := testInstance.TempDir()

	testCases := []struct {
		name        string
		stdoutSpec  streams.RedirectionSpec
		expectError error
	}{
		{name: "capture_default", stdoutSpec: streams.RedirectionSpec{}},
		{name: "null_device", stdoutSpec: streams.RedirectionSpec{Mode: streams.RedirectionNullDevice}},
		{name: "file_path", stdoutSpec: streams.RedirectionSpec{Mode: streams.RedirectionFilePath, Path: filepath.Join(scratchDirectory, "out.log")}},
		{name: "inherit", stdoutSpec: streams.RedirectionSpec{Mode: streams.RedirectionInherit}},
		{name: "handle_missing", stdoutSpec: streams.RedirectionSpec{Mode: streams.RedirectionHandle}, expectError: streams.ErrRedirectionHandleMissing},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			streamSet, streamError := streams.NewStandardStreamSet()
			require.NoError(testInstance, streamError)
			defer streamSet.CloseAll()

			descriptorTable, tableError := streams.BuildChildDescriptorTable(
				streams.RedirectionSpec{Mode: streams.RedirectionNullDevice},
				testCase.stdoutSpec,
				streams.RedirectionSpec{},
				streamSet,
				nil,
			)
			if testCase.expectError != nil {
				require.ErrorIs(testInstance, tableError, testCase.expectError)
				return
			}
			require.NoError(testInstance, tableError)
			require.Len(testInstance, descriptorTable.Files, 3)
			assert.NotNil(testInstance, descriptorTable.Files[0])
			assert.NotNil(testInstance, descriptorTable.Files[1])
			assert.NotNil(testInstance, descriptorTable.Files[2])
			descriptorTable.CloseOpened()
		})
	}
}

func TestBuildChildDescriptorTableKeepsRequestedDescriptors(testInstance *testing.T) {
	streamSet, streamError := streams.NewStandardStreamSet()
	require.NoError(testInstance, streamError)
	defer streamSet.CloseAll()

	keptFile, openError := os.Open(os.DevNull)
	require.NoError(testInstance, openError)
	defer keptFile.Close()
	keptDescriptor := int(keptFile.Fd())

	descriptorTable, tableError := streams.BuildChildDescriptorTable(
		streams.RedirectionSpec{},
		streams.RedirectionSpec{},
		streams.RedirectionSpec{},
		streamSet,
		[]int{keptDescriptor},
	)
	require.NoError(testInstance, tableError)

	require.Len(testInstance, descriptorTable.Files, keptDescriptor+1)
	keptEntry := descriptorTable.Files[keptDescriptor]
	require.NotNil(testInstance, keptEntry)
	for gapIndex := 3; gapIndex < keptDescriptor; gapIndex++ {
		assert.Nil(testInstance, descriptorTable.Files[gapIndex])
	}

	// The table holds a duplicate, never the caller's own descriptor.
	assert.NotEqual(testInstance, uintptr(keptDescriptor), keptEntry.Fd())

	descriptorTable.CloseOpened()

	// The caller's descriptor survives the table teardown.
	_, flagsError := unix.FcntlInt(keptFile.Fd(), unix.F_GETFL, 0)
	require.NoError(testInstance, flagsError)
}

func TestBuildChildDescriptorTableIgnoresStandardStreamNumbersInKeepList(testInstance *testing.T) {
	streamSet, streamError := streams.NewStandardStreamSet()
	require.NoError(testInstance, streamError)
	defer streamSet.CloseAll()

	descriptorTable, tableError := streams.BuildChildDescriptorTable(
		streams.RedirectionSpec{},
		streams.RedirectionSpec{},
		streams.RedirectionSpec{},
		streamSet,
		[]int{0, 1, 2},
	)
	require.NoError(testInstance, tableError)
	assert.Len(testInstance, descriptorTable.Files, 3)
}
