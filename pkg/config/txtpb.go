// Tiercache uses flags and a single config file for configuration.
// A config file is stored in .txtpb format and contains the values that can be set via flags.

package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// skippedProtobufFlags is the list of command line flags on which the protobuf check is disabled.
var skippedProtobufFlags = []string{"print_version", "config_file"}

// protobufValueToString converts a protobuf field value to its string representation suitable for flag setting.
func protobufValueToString(fd protoreflect.FieldDescriptor, v protoreflect.Value) (string, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool()), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10), nil
	case protoreflect.FloatKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case protoreflect.DoubleKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case protoreflect.StringKind:
		return v.String(), nil
	case protoreflect.BytesKind:
		return base64.StdEncoding.EncodeToString(v.Bytes()), nil
	case protoreflect.MessageKind:
		if fullName := fd.Message().FullName(); fullName != "google.protobuf.Duration" {
			return "", fmt.Errorf("unsupported message leaf: %s", fullName)
		}
		// Dynamic messages hold nested messages dynamically too, so read the fields rather than type assert.
		msg, fields := v.Message(), fd.Message().Fields()
		duration := &durationpb.Duration{
			Seconds: msg.Get(fields.ByName("seconds")).Int(),
			Nanos:   int32(msg.Get(fields.ByName("nanos")).Int()),
		}
		if err := duration.CheckValid(); err != nil {
			return "", fmt.Errorf("invalid duration: %w", err)
		}
		return duration.AsDuration().String(), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", fd.Kind())
	}
}

// collectFlags collects all flags with their values from the given protobuf message.
// The collected flags are put inside the given `flags` variable.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, m protoreflect.Message,
	flagNames map[protoreflect.FullName]string) error {
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.IsList() || fd.IsMap() {
			err = fmt.Errorf("repeated/map not supported: %s", fd.FullName())
			return false
		}
		flagName, hasFlagName := flagNames[fd.FullName()]
		// Recurse into sections; they don't map to a flag themselves.
		if fd.Kind() == protoreflect.MessageKind && !hasFlagName {
			err = collectFlags(flags, v.Message(), flagNames)
			return err == nil
		}
		if !hasFlagName {
			return true
		}
		stringValue, convErr := protobufValueToString(fd, v)
		if convErr != nil {
			err = fmt.Errorf("failed to convert %s: %w", fd.FullName(), convErr)
			return false
		}
		// Check for duplicate flag entries.
		if _, alreadyExists := flags[flagName]; alreadyExists {
			err = fmt.Errorf("flag '%s' has multiple entries in txtpb config: '%s'", flagName, fd.FullName())
			return false
		}
		flags[flagName] = stringValue
		return true
	})
	return err
}

// Parse reads a txtpb config and returns the flag values it sets. Unknown fields are rejected.
func Parse(configBytes []byte) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	conf := dynamicpb.NewMessage(schema.message)
	if err := prototext.Unmarshal(configBytes, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	flags := make(map[string]string)
	if err := collectFlags(flags, conf, schema.flagNames); err != nil {
		return nil, fmt.Errorf("failed to collect flags: %w", err)
	}
	return flags, nil
}

// getDefinedFlags returns the set of flag names bound in the config schema.
func getDefinedFlags() (map[ /*flagName*/ string]struct{}, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	flagSet := make(map[string]struct{}, len(schema.flagNames))
	for fullName, flagName := range schema.flagNames {
		if _, exists := flagSet[flagName]; exists {
			return nil, fmt.Errorf("duplicate flag name '%s' in config: %s", flagName, fullName)
		}
		flagSet[flagName] = struct{}{}
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the protobuf config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedProtobufFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in protobuf config", f.Name))
		}
	})
	return errs
}
