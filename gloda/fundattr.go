// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/sirupsen/logrus"
)

// FundamentalAttr is a special-case attribute provider: it provides the
// attributes the rest of the providers should be able to assume exist
// (conversation, location, subject, date, from/to, attachments). It runs
// first in the provider order.
type FundamentalAttr struct {
	reg *Registry
	ds  domain.Datastore
	l   *logrus.Logger

	attrConversation *domain.AttributeDef
	attrFolder       *domain.AttributeDef
	attrSubject      *domain.AttributeDef
	attrDate         *domain.AttributeDef
	attrFrom         *domain.AttributeDef
	attrTo           *domain.AttributeDef
	attrAttachTypes  *domain.AttributeDef
	attrAttachNames  *domain.AttributeDef
}

func NewFundamentalAttr(reg *Registry, ds domain.Datastore) *FundamentalAttr {
	return &FundamentalAttr{
		reg: reg,
		ds:  ds,
		l:   log.Logger(log.LOG_GLODA),
	}
}

func (f *FundamentalAttr) Name() string {
	return "fundattr"
}

func (f *FundamentalAttr) DefineAttributes() error {
	var err error

	f.attrConversation, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "conversation",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounConversation,
		BindName:    "conversation",
	})
	if err != nil {
		return err
	}

	f.attrFolder, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "folder",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounString,
		BindName:    "folderURI",
	})
	if err != nil {
		return err
	}

	f.attrSubject, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "subject",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounString,
		BindName:    "subject",
	})
	if err != nil {
		return err
	}

	f.attrDate, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "date",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounDate,
		BindName:    "date",
	})
	if err != nil {
		return err
	}

	f.attrFrom, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "from",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounIdentity,
		BindName:    "from",
	})
	if err != nil {
		return err
	}

	f.attrTo, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "to",
		Cardinality: domain.Multiple,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounIdentity,
		BindName:    "to",
	})
	if err != nil {
		return err
	}

	f.attrAttachTypes, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "attachmentType",
		Cardinality: domain.Multiple,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounString,
		BindName:    "attachmentTypes",
	})
	if err != nil {
		return err
	}

	f.attrAttachNames, err = f.reg.DefineAttribute(AttributeSpec{
		Provider:    f,
		Type:        domain.AttrFundamental,
		PluginName:  domain.BuiltIn,
		Name:        "attachmentName",
		Cardinality: domain.Multiple,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounString,
		BindName:    "attachmentNames",
	})
	if err != nil {
		return err
	}

	return nil
}

func (f *FundamentalAttr) Process(msg *domain.Message, hdr *domain.MessageHeader, mime *domain.MimeMessage) ([]domain.AttributeInstance, error) {
	attribs := []domain.AttributeInstance{}

	conversation, err := f.ds.GetConversationByID(msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("could not load conversation %d: %w", msg.ConversationID, err)
	}
	if conversation != nil {
		attribs = append(attribs, domain.AttributeInstance{Attr: f.attrConversation, Value: conversation})
	}

	attribs = append(attribs, domain.AttributeInstance{Attr: f.attrFolder, Value: hdr.FolderURI})

	if hdr.Subject != "" {
		attribs = append(attribs, domain.AttributeInstance{Attr: f.attrSubject, Value: hdr.Subject})
	}

	if !hdr.Date.IsZero() {
		attribs = append(attribs, domain.AttributeInstance{Attr: f.attrDate, Value: hdr.Date})
	}

	if hdr.From != "" {
		from, err := IdentityForFullMailAddress(f.ds, hdr.From)
		if err != nil {
			return nil, fmt.Errorf("could not resolve from identity: %w", err)
		}
		attribs = append(attribs, domain.AttributeInstance{Attr: f.attrFrom, Value: from})
	}

	for _, to := range hdr.To {
		identities, err := IdentitiesForFullMailAddresses(f.ds, to)
		if err != nil {
			return nil, fmt.Errorf("could not resolve to identities: %w", err)
		}
		for _, identity := range identities {
			attribs = append(attribs, domain.AttributeInstance{Attr: f.attrTo, Value: identity})
		}
	}

	if mime != nil {
		for _, attachment := range mime.Attachments {
			attribs = append(attribs,
				domain.AttributeInstance{Attr: f.attrAttachTypes, Value: attachment.MimeType},
				domain.AttributeInstance{Attr: f.attrAttachNames, Value: attachment.Name},
			)
		}
	}

	return attribs, nil
}
