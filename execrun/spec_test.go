package execrun_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/temirov/procrun/execrun"
)

func TestCommandSpecValidate(testInstance *testing.T) {
	testCases := []struct {
		name          string
		spec          execrun.CommandSpec
		expectedError error
	}{
		{name: "argument_form", spec: execrun.CommandSpec{Arguments: []string{"ls"}}},
		{name: "string_form", spec: execrun.CommandSpec{CommandLine: "ls -l"}},
		{name: "callback_form", spec: execrun.CommandSpec{Callback: func() int { return 0 }}},
		{name: "empty_spec", spec: execrun.CommandSpec{}, expectedError: execrun.ErrCommandNotSpecified},
		{name: "blank_string_form", spec: execrun.CommandSpec{CommandLine: "   "}, expectedError: execrun.ErrCommandNotSpecified},
		{name: "blank_first_argument", spec: execrun.CommandSpec{Arguments: []string{"  "}}, expectedError: execrun.ErrCommandNotSpecified},
		{name: "both_forms", spec: execrun.CommandSpec{Arguments: []string{"ls"}, CommandLine: "ls"}, expectedError: execrun.ErrAmbiguousCommandForms},
		{name: "callback_with_string_form", spec: execrun.CommandSpec{Callback: func() int { return 0 }, CommandLine: "ls"}, expectedError: execrun.ErrAmbiguousCommandForms},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			validationError := testCase.spec.Validate()
			if testCase.expectedError != nil {
				assert.ErrorIs(testInstance, validationError, testCase.expectedError)
				return
			}
			assert.NoError(testInstance, validationError)
		})
	}
}

func TestCommandLabel(testInstance *testing.T) {
	assert.Equal(testInstance, "git status --short", execrun.CommandSpec{Arguments: []string{"git", "status", "--short"}}.CommandLabel())
	assert.Equal(testInstance, "ls | wc", execrun.CommandSpec{CommandLine: "ls | wc"}.CommandLabel())
	assert.Equal(testInstance, "synthetic command", execrun.CommandSpec{Callback: func() int { return 0 }}.CommandLabel())
}
