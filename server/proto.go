package server

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The recall.proto schema, built at init:
//
//	message Item          { int64 itemID = 1; repeated float itemVector = 2; }
//	message Query         { int64 userID = 1; int32 k = 2; }
//	message Candidates    { repeated int64 candidate = 1; repeated double scores = 2; }
//	message ServerMessage { string str = 1; }
//	message Empty         {}
//
//	service Recall {
//	  rpc AddItem(Item) returns (Empty);
//	  rpc SearchCandidates(Query) returns (Candidates);
//	  rpc GetMetrics(Empty) returns (ServerMessage);
//	  rpc ResetMetrics(Empty) returns (Empty);
//	}
var (
	recallFile protoreflect.FileDescriptor

	itemDesc          protoreflect.MessageDescriptor
	queryDesc         protoreflect.MessageDescriptor
	candidatesDesc    protoreflect.MessageDescriptor
	serverMessageDesc protoreflect.MessageDescriptor
	emptyDesc         protoreflect.MessageDescriptor
)

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    label.Enum(),
		Type:     typ.Enum(),
	}
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(".recall." + in),
		OutputType: proto.String(".recall." + out),
	}
}

func init() {
	const (
		int64T  = descriptorpb.FieldDescriptorProto_TYPE_INT64
		int32T  = descriptorpb.FieldDescriptorProto_TYPE_INT32
		floatT  = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
		doubleT = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		stringT = descriptorpb.FieldDescriptorProto_TYPE_STRING
	)
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("recall.proto"),
		Package: proto.String("recall"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("Item", field("itemID", 1, int64T, false), field("itemVector", 2, floatT, true)),
			message("Query", field("userID", 1, int64T, false), field("k", 2, int32T, false)),
			message("Candidates", field("candidate", 1, int64T, true), field("scores", 2, doubleT, true)),
			message("ServerMessage", field("str", 1, stringT, false)),
			message("Empty"),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Recall"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("AddItem", "Item", "Empty"),
				method("SearchCandidates", "Query", "Candidates"),
				method("GetMetrics", "Empty", "ServerMessage"),
				method("ResetMetrics", "Empty", "Empty"),
			},
		}},
	}
	fd, err := protodesc.NewFile(fdp, new(protoregistry.Files))
	if err != nil {
		panic("server: invalid recall.proto descriptor: " + err.Error())
	}
	recallFile = fd
	msgs := fd.Messages()
	itemDesc = msgs.ByName("Item")
	queryDesc = msgs.ByName("Query")
	candidatesDesc = msgs.ByName("Candidates")
	serverMessageDesc = msgs.ByName("ServerMessage")
	emptyDesc = msgs.ByName("Empty")
}

// Descriptor returns the recall.proto file descriptor, for clients that
// build requests with dynamicpb instead of generated code.
func Descriptor() protoreflect.FileDescriptor {
	return recallFile
}

// wireMessage converts a request or response struct to and from its
// protobuf form.
type wireMessage interface {
	descriptor() protoreflect.MessageDescriptor
	toProto() *dynamicpb.Message
	fromProto(m protoreflect.Message)
}

func (*Item) descriptor() protoreflect.MessageDescriptor { return itemDesc }

func (it *Item) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(itemDesc)
	fields := itemDesc.Fields()
	m.Set(fields.ByNumber(1), protoreflect.ValueOfInt64(it.ItemID))
	if len(it.ItemVector) > 0 {
		list := m.Mutable(fields.ByNumber(2)).List()
		for _, v := range it.ItemVector {
			list.Append(protoreflect.ValueOfFloat32(v))
		}
	}
	return m
}

func (it *Item) fromProto(m protoreflect.Message) {
	fields := itemDesc.Fields()
	it.ItemID = m.Get(fields.ByNumber(1)).Int()
	list := m.Get(fields.ByNumber(2)).List()
	it.ItemVector = make([]float32, list.Len())
	for i := range it.ItemVector {
		it.ItemVector[i] = float32(list.Get(i).Float())
	}
}

func (*Query) descriptor() protoreflect.MessageDescriptor { return queryDesc }

func (q *Query) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(queryDesc)
	fields := queryDesc.Fields()
	m.Set(fields.ByNumber(1), protoreflect.ValueOfInt64(q.UserID))
	m.Set(fields.ByNumber(2), protoreflect.ValueOfInt32(q.K))
	return m
}

func (q *Query) fromProto(m protoreflect.Message) {
	fields := queryDesc.Fields()
	q.UserID = m.Get(fields.ByNumber(1)).Int()
	q.K = int32(m.Get(fields.ByNumber(2)).Int())
}

func (*Candidates) descriptor() protoreflect.MessageDescriptor { return candidatesDesc }

func (c *Candidates) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(candidatesDesc)
	fields := candidatesDesc.Fields()
	if len(c.Candidate) > 0 {
		ids := m.Mutable(fields.ByNumber(1)).List()
		for _, id := range c.Candidate {
			ids.Append(protoreflect.ValueOfInt64(id))
		}
	}
	if len(c.Scores) > 0 {
		scores := m.Mutable(fields.ByNumber(2)).List()
		for _, s := range c.Scores {
			scores.Append(protoreflect.ValueOfFloat64(s))
		}
	}
	return m
}

func (c *Candidates) fromProto(m protoreflect.Message) {
	fields := candidatesDesc.Fields()
	ids := m.Get(fields.ByNumber(1)).List()
	c.Candidate = make([]int64, ids.Len())
	for i := range c.Candidate {
		c.Candidate[i] = ids.Get(i).Int()
	}
	scores := m.Get(fields.ByNumber(2)).List()
	c.Scores = nil
	if scores.Len() > 0 {
		c.Scores = make([]float64, scores.Len())
		for i := range c.Scores {
			c.Scores[i] = scores.Get(i).Float()
		}
	}
}

func (*ServerMessage) descriptor() protoreflect.MessageDescriptor { return serverMessageDesc }

func (s *ServerMessage) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(serverMessageDesc)
	m.Set(serverMessageDesc.Fields().ByNumber(1), protoreflect.ValueOfString(s.Str))
	return m
}

func (s *ServerMessage) fromProto(m protoreflect.Message) {
	s.Str = m.Get(serverMessageDesc.Fields().ByNumber(1)).String()
}

func (*Empty) descriptor() protoreflect.MessageDescriptor { return emptyDesc }

func (*Empty) toProto() *dynamicpb.Message { return dynamicpb.NewMessage(emptyDesc) }

func (*Empty) fromProto(protoreflect.Message) {}
