// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/sirupsen/logrus"
)

// ExplicitAttr extracts the attributes a user explicitly manipulates: the
// starred and read flags and folder tags. It runs after FundamentalAttr so
// subject and date are already attached to the live message.
type ExplicitAttr struct {
	reg *Registry
	l   *logrus.Logger

	attrStar *domain.AttributeDef
	attrRead *domain.AttributeDef
	attrTag  *domain.AttributeDef
}

func NewExplicitAttr(reg *Registry) *ExplicitAttr {
	return &ExplicitAttr{
		reg: reg,
		l:   log.Logger(log.LOG_GLODA),
	}
}

func (e *ExplicitAttr) Name() string {
	return "explattr"
}

func (e *ExplicitAttr) DefineAttributes() error {
	var err error

	e.attrStar, err = e.reg.DefineAttribute(AttributeSpec{
		Provider:    e,
		Type:        domain.AttrExplicit,
		PluginName:  domain.BuiltIn,
		Name:        "star",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounBoolean,
		BindName:    "starred",
	})
	if err != nil {
		return err
	}

	e.attrRead, err = e.reg.DefineAttribute(AttributeSpec{
		Provider:    e,
		Type:        domain.AttrExplicit,
		PluginName:  domain.BuiltIn,
		Name:        "read",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounBoolean,
		BindName:    "read",
	})
	if err != nil {
		return err
	}

	e.attrTag, err = e.reg.DefineAttribute(AttributeSpec{
		Provider:      e,
		Type:          domain.AttrExplicit,
		PluginName:    domain.BuiltIn,
		Name:          "tag",
		Cardinality:   domain.Multiple,
		SubjectNoun:   domain.NounMessage,
		ObjectNoun:    domain.NounBoolean,
		ParameterNoun: domain.NounTag,
		BindName:      "tags",
	})
	if err != nil {
		return err
	}

	return nil
}

func (e *ExplicitAttr) Process(msg *domain.Message, hdr *domain.MessageHeader, mime *domain.MimeMessage) ([]domain.AttributeInstance, error) {
	// The flags always exist on the folder state, so false is a defined
	// value and gets an instance; queries on starred=false must match.
	attribs := []domain.AttributeInstance{
		{Attr: e.attrStar, Value: hdr.Starred},
		{Attr: e.attrRead, Value: hdr.Read},
	}

	for _, tag := range hdr.Tags {
		attribs = append(attribs, domain.AttributeInstance{Attr: e.attrTag, Parameter: tag, Value: true})
	}

	if len(hdr.Tags) > 0 {
		e.l.WithFields(logrus.Fields{"message": msg.ID, "tags": hdr.Tags}).Debug("Tagged message")
	}

	return attribs, nil
}
