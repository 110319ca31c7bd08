package wire

import (
	"fmt"

	"github.com/lsm/ingest/internal/schema"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	// Registers google/protobuf/timestamp.proto in protoregistry.GlobalFiles.
	_ "google.golang.org/protobuf/types/known/timestamppb"
)

const pkg = "ingest.wire.v1"

// valueField describes one member of the Value oneof.
type valueField struct {
	name     string
	number   int32
	kind     schema.ValueKind
	typ      descriptorpb.FieldDescriptorProto_Type
	typeName string
}

var valueFields = []valueField{
	{"bytes_val", 1, schema.Bytes, descriptorpb.FieldDescriptorProto_TYPE_BYTES, ""},
	{"string_val", 2, schema.String, descriptorpb.FieldDescriptorProto_TYPE_STRING, ""},
	{"int32_val", 3, schema.Int32, descriptorpb.FieldDescriptorProto_TYPE_INT32, ""},
	{"int64_val", 4, schema.Int64, descriptorpb.FieldDescriptorProto_TYPE_INT64, ""},
	{"double_val", 5, schema.Double, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, ""},
	{"float_val", 6, schema.Float, descriptorpb.FieldDescriptorProto_TYPE_FLOAT, ""},
	{"bool_val", 7, schema.Bool, descriptorpb.FieldDescriptorProto_TYPE_BOOL, ""},
	{"timestamp_val", 8, schema.Timestamp, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".google.protobuf.Timestamp"},
	{"bytes_list_val", 11, schema.BytesList, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".BytesList"},
	{"string_list_val", 12, schema.StringList, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".StringList"},
	{"int32_list_val", 13, schema.Int32List, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".Int32List"},
	{"int64_list_val", 14, schema.Int64List, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".Int64List"},
	{"double_list_val", 15, schema.DoubleList, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".DoubleList"},
	{"float_list_val", 16, schema.FloatList, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".FloatList"},
	{"bool_list_val", 17, schema.BoolList, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "." + pkg + ".BoolList"},
}

var listElemTypes = []struct {
	name string
	typ  descriptorpb.FieldDescriptorProto_Type
}{
	{"BytesList", descriptorpb.FieldDescriptorProto_TYPE_BYTES},
	{"StringList", descriptorpb.FieldDescriptorProto_TYPE_STRING},
	{"Int32List", descriptorpb.FieldDescriptorProto_TYPE_INT32},
	{"Int64List", descriptorpb.FieldDescriptorProto_TYPE_INT64},
	{"DoubleList", descriptorpb.FieldDescriptorProto_TYPE_DOUBLE},
	{"FloatList", descriptorpb.FieldDescriptorProto_TYPE_FLOAT},
	{"BoolList", descriptorpb.FieldDescriptorProto_TYPE_BOOL},
}

var (
	rowDesc   protoreflect.MessageDescriptor
	fieldDesc protoreflect.MessageDescriptor
	valueDesc protoreflect.MessageDescriptor

	kindByNumber = make(map[protoreflect.FieldNumber]schema.ValueKind, len(valueFields))
	numberByKind = make(map[schema.ValueKind]protoreflect.FieldNumber, len(valueFields))
)

func init() {
	fd, err := buildFile()
	if err != nil {
		panic(fmt.Sprintf("wire: build descriptor: %v", err))
	}
	msgs := fd.Messages()
	rowDesc = msgs.ByName("Row")
	fieldDesc = msgs.ByName("Field")
	valueDesc = msgs.ByName("Value")

	for _, vf := range valueFields {
		kindByNumber[protoreflect.FieldNumber(vf.number)] = vf.kind
		numberByKind[vf.kind] = protoreflect.FieldNumber(vf.number)
	}
}

func field(name string, number int32, label descriptorpb.FieldDescriptorProto_Label, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func buildFile() (protoreflect.FileDescriptor, error) {
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	repeated := descriptorpb.FieldDescriptorProto_LABEL_REPEATED

	var messages []*descriptorpb.DescriptorProto
	for _, l := range listElemTypes {
		messages = append(messages, &descriptorpb.DescriptorProto{
			Name:  proto.String(l.name),
			Field: []*descriptorpb.FieldDescriptorProto{field("val", 1, repeated, l.typ, "")},
		})
	}

	value := &descriptorpb.DescriptorProto{
		Name:      proto.String("Value"),
		OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("val")}},
	}
	for _, vf := range valueFields {
		f := field(vf.name, vf.number, optional, vf.typ, vf.typeName)
		f.OneofIndex = proto.Int32(0)
		value.Field = append(value.Field, f)
	}
	messages = append(messages, value)

	messages = append(messages,
		&descriptorpb.DescriptorProto{
			Name: proto.String("Field"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("name", 1, optional, descriptorpb.FieldDescriptorProto_TYPE_STRING, ""),
				field("value", 2, optional, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "."+pkg+".Value"),
			},
		},
		&descriptorpb.DescriptorProto{
			Name: proto.String("Row"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("fields", 1, repeated, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, "."+pkg+".Field"),
				field("event_timestamp", 2, optional, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".google.protobuf.Timestamp"),
				field("dataset", 3, optional, descriptorpb.FieldDescriptorProto_TYPE_STRING, ""),
			},
		},
	)

	file := &descriptorpb.FileDescriptorProto{
		Name:        proto.String("ingest/wire/v1/row.proto"),
		Package:     proto.String(pkg),
		Syntax:      proto.String("proto3"),
		Dependency:  []string{"google/protobuf/timestamp.proto"},
		MessageType: messages,
	}
	return protodesc.NewFile(file, protoregistry.GlobalFiles)
}
