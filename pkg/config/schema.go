package config

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/durationpb" // Registers google/protobuf/duration.proto.
)

const (
	schemaPackage    = "tiercache.config"
	durationTypeName = ".google.protobuf.Duration"
)

// fieldSpec is a leaf of the config schema, bound to a command line flag.
type fieldSpec struct {
	name     string
	flagName string
	kind     descriptorpb.FieldDescriptorProto_Type
}

// sectionSpec groups related fields into a nested message of Config.
type sectionSpec struct {
	name    string
	message string
	fields  []fieldSpec
}

const (
	typeBool     = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	typeInt32    = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeInt64    = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeUint32   = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	typeString   = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeDuration = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE // Always a google.protobuf.Duration here.
)

// configSections is the txtpb schema. Every flag the binary defines must appear here exactly once, except for the
// ones listed in skippedProtobufFlags.
var configSections = []sectionSpec{
	{name: "memory", message: "MemoryConfig", fields: []fieldSpec{
		{name: "capacity", flagName: "memory_capacity", kind: typeInt64},
		{name: "ttl", flagName: "memory_ttl", kind: typeDuration},
	}},
	{name: "disk", message: "DiskConfig", fields: []fieldSpec{
		{name: "dir", flagName: "disk_dir", kind: typeString},
		{name: "ttl", flagName: "disk_ttl", kind: typeDuration},
		{name: "bytes_capacity", flagName: "disk_bytes_capacity", kind: typeInt64},
		{name: "compression", flagName: "disk_compression", kind: typeBool},
	}},
	{name: "cache", message: "CacheConfig", fields: []fieldSpec{
		{name: "write_strategy", flagName: "write_strategy", kind: typeString},
	}},
	{name: "maintenance", message: "MaintenanceConfig", fields: []fieldSpec{
		{name: "interval", flagName: "maintenance_interval", kind: typeDuration},
		{name: "max_failures", flagName: "maintenance_max_failures", kind: typeUint32},
		{name: "enabled", flagName: "maintenance_enabled", kind: typeBool},
	}},
	{name: "server", message: "ServerConfig", fields: []fieldSpec{
		{name: "address", flagName: "address", kind: typeString},
		{name: "metrics_address", flagName: "metrics_address", kind: typeString},
	}},
	{name: "logging", message: "LoggingConfig", fields: []fieldSpec{
		{name: "handler_type", flagName: "log_handler_type", kind: typeString},
		{name: "level", flagName: "log_level", kind: typeString},
		{name: "file", flagName: "log_file", kind: typeString},
		{name: "file_max_size_mb", flagName: "log_file_max_size_mb", kind: typeInt32},
		{name: "file_max_backups", flagName: "log_file_max_backups", kind: typeInt32},
	}},
}

// configSchema is the compiled form of configSections.
type configSchema struct {
	message   protoreflect.MessageDescriptor
	flagNames map[protoreflect.FullName] /*flagName*/ string
}

var loadSchema = sync.OnceValues(buildSchema)

// buildSchema compiles configSections into a proto2 descriptor, so every set field has presence and an explicit
// `false` or `0` in the file still overrides the flag default.
func buildSchema() (*configSchema, error) {
	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("tiercache/config.proto"),
		Package:    proto.String(schemaPackage),
		Syntax:     proto.String("proto2"),
		Dependency: []string{"google/protobuf/duration.proto"},
	}
	root := &descriptorpb.DescriptorProto{Name: proto.String("Config")}
	flagNames := make(map[protoreflect.FullName]string)
	for sectionIdx, section := range configSections {
		message := &descriptorpb.DescriptorProto{Name: proto.String(section.message)}
		for fieldIdx, field := range section.fields {
			fieldProto := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(field.name),
				Number: proto.Int32(int32(fieldIdx + 1)),
				Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				Type:   field.kind.Enum(),
			}
			if field.kind == typeDuration {
				fieldProto.TypeName = proto.String(durationTypeName)
			}
			message.Field = append(message.Field, fieldProto)
			fullName := protoreflect.FullName(fmt.Sprintf("%s.%s.%s", schemaPackage, section.message, field.name))
			flagNames[fullName] = field.flagName
		}
		file.MessageType = append(file.MessageType, message)
		root.Field = append(root.Field, &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(section.name),
			Number:   proto.Int32(int32(sectionIdx + 1)),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
			TypeName: proto.String(fmt.Sprintf(".%s.%s", schemaPackage, section.message)),
		})
	}
	file.MessageType = append(file.MessageType, root)

	fileDescriptor, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build config schema: %w", err)
	}
	return &configSchema{message: fileDescriptor.Messages().ByName("Config"), flagNames: flagNames}, nil
}
