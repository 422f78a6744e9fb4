package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

// Outbox is the part of the delivery manager the handlers reply through.
type Outbox interface {
	ResolveActor(ctx context.Context, actorIRI string) (*domain.RemoteAccount, error)
	SendAccept(ctx context.Context, acc *domain.Account, remote *domain.RemoteAccount, follow map[string]any) (string, error)
}

// Keys is the part of the key cache the handlers maintain.
type Keys interface {
	Lookup(ctx context.Context, keyId string, refresh bool) (*domain.ActorKey, bool, error)
	Evict(keyId string)
}

// Dispatcher runs the per-type handling of verified activities.
type Dispatcher struct {
	db     *db.DB
	outbox Outbox
	keys   Keys
	domain string
	log    *zap.SugaredLogger
}

func NewDispatcher(database *db.DB, outbox Outbox, keys Keys, conf *util.AppConfig, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		db:     database,
		outbox: outbox,
		keys:   keys,
		domain: conf.Conf.Domain,
		log:    util.OrNop(logger),
	}
}

// Verified is an activity whose actor the signature gate has established.
type Verified struct {
	Nickname string
	Activity map[string]any
	Raw      []byte
	Signer   *activitypub.Signer
}

func (v *Verified) Type() string {
	t, _ := v.Activity["type"].(string)
	return t
}

func (v *Verified) Actor() string {
	a, _ := v.Activity["actor"].(string)
	return a
}

func (v *Verified) Id() string {
	id, _ := v.Activity["id"].(string)
	return id
}

// ObjectURI is the object IRI, whether the object is embedded or referenced.
func (v *Verified) ObjectURI() string {
	switch obj := v.Activity["object"].(type) {
	case string:
		return obj
	case map[string]any:
		id, _ := obj["id"].(string)
		return id
	}
	return ""
}

func (v *Verified) objectType() string {
	if obj, ok := v.Activity["object"].(map[string]any); ok {
		t, _ := obj["type"].(string)
		return t
	}
	return ""
}

// Dispatch handles one activity. record reports whether it belongs in the
// activities log.
func (d *Dispatcher) Dispatch(ctx context.Context, v *Verified) (record bool, err error) {
	switch v.Type() {
	case "Follow":
		return true, d.handleFollow(ctx, v)
	case "Undo":
		return true, d.handleUndo(v)
	case "Accept":
		return true, d.handleAccept(v)
	case "Reject":
		return true, d.handleReject(v)
	case "Create":
		return d.handleCreate(v)
	case "Announce":
		return d.handleAnnounce(v)
	case "Like", "EmojiReact":
		d.log.Infow("Inbox: reaction", "type", v.Type(), "actor", v.Actor(), "object", v.ObjectURI())
		return true, nil
	case "Update":
		return true, d.handleUpdate(ctx, v)
	case "Delete":
		return false, d.handleDelete(v)
	default:
		d.log.Infow("Inbox: unsupported activity type", "type", v.Type(), "actor", v.Actor())
		return true, nil
	}
}

func (d *Dispatcher) localAccount(nickname string) (*domain.Account, error) {
	if nickname == "" {
		return nil, errors.New("activity has no local recipient")
	}
	err, acc := d.db.ReadAccByNickname(nickname)
	if err != nil {
		return nil, fmt.Errorf("local account %s not found: %w", nickname, err)
	}
	return acc, nil
}

func (d *Dispatcher) handleFollow(ctx context.Context, v *Verified) error {
	target, _ := v.Activity["object"].(string)
	nickname := util.LocalNickname(d.domain, target)
	if nickname == "" {
		return fmt.Errorf("follow target %q is not a local actor", target)
	}
	acc, err := d.localAccount(nickname)
	if err != nil {
		return err
	}
	remote, err := d.outbox.ResolveActor(ctx, v.Actor())
	if err != nil {
		return fmt.Errorf("failed to resolve follower: %w", err)
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: acc.Id,
		URI:             v.Id(),
		Accepted:        true,
		CreatedAt:       time.Now(),
	}
	if err := d.db.CreateFollow(follow); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	if _, err := d.outbox.SendAccept(ctx, acc, remote, v.Activity); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}
	d.log.Infow("Inbox: accepted follow", "follower", remote.ActorURI, "account", acc.Nickname)
	return nil
}

func (d *Dispatcher) handleUndo(v *Verified) error {
	switch v.objectType() {
	case "Follow":
		if ok, err := d.followParty(v.ObjectURI(), v.Actor(), true); !ok {
			return err
		}
		if err := d.db.DeleteFollowByURI(v.ObjectURI()); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		d.log.Infow("Inbox: removed follow", "actor", v.Actor(), "follow", v.ObjectURI())
	case "Announce", "Like", "EmojiReact":
		if err, activity := d.db.ReadActivityByURI(v.ObjectURI()); err == nil && activity.ActorURI == v.Actor() {
			if err := d.db.DeleteActivityByURI(activity.ActivityURI); err != nil {
				return fmt.Errorf("failed to undo %s: %w", v.objectType(), err)
			}
		}
	default:
		d.log.Debugw("Inbox: ignoring Undo", "object", v.ObjectURI(), "type", v.objectType())
	}
	return nil
}

func (d *Dispatcher) handleAccept(v *Verified) error {
	followURI := v.ObjectURI()
	if followURI == "" {
		return errors.New("accept without follow reference")
	}
	if ok, err := d.followParty(followURI, v.Actor(), false); !ok {
		return err
	}
	if err := d.db.AcceptFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	d.log.Infow("Inbox: follow accepted", "follow", followURI, "by", v.Actor())
	return nil
}

func (d *Dispatcher) handleReject(v *Verified) error {
	if ok, err := d.followParty(v.ObjectURI(), v.Actor(), false); !ok {
		return err
	}
	if err := d.db.DeleteFollowByURI(v.ObjectURI()); err != nil {
		return fmt.Errorf("failed to drop rejected follow: %w", err)
	}
	d.log.Infow("Inbox: follow rejected", "follow", v.ObjectURI(), "by", v.Actor())
	return nil
}

// followParty reports whether actor is the remote follower (or, when
// follower is false, the remote target) of the follow at uri. An unknown
// follow is not an error.
func (d *Dispatcher) followParty(uri, actor string, follower bool) (bool, error) {
	err, follow := d.db.ReadFollowByURI(uri)
	if err != nil {
		if db.IsNotFound(err) {
			d.log.Debugw("Inbox: unknown follow", "follow", uri, "actor", actor)
			return false, nil
		}
		return false, fmt.Errorf("failed to read follow: %w", err)
	}
	party := follow.TargetAccountId
	if follower {
		party = follow.AccountId
	}
	err, remote := d.db.ReadRemoteAccountById(party)
	if err != nil || remote.ActorURI != actor {
		return false, fmt.Errorf("actor %s is not a party to follow %s", actor, uri)
	}
	return true, nil
}

// followedBy reports whether the local recipient follows the actor.
func (d *Dispatcher) followedBy(nickname, actorURI string) bool {
	acc, err := d.localAccount(nickname)
	if err != nil {
		return false
	}
	err, remote := d.db.ReadRemoteAccountByURI(actorURI)
	if err != nil {
		return false
	}
	err, follow := d.db.ReadFollowByAccountIds(acc.Id, remote.Id)
	return err == nil && follow != nil
}

func (d *Dispatcher) handleCreate(v *Verified) (bool, error) {
	if !d.followedBy(v.Nickname, v.Actor()) {
		d.log.Infow("Inbox: ignoring post from unfollowed actor", "actor", v.Actor(), "account", v.Nickname)
		return false, nil
	}
	if owner := attributedTo(v.Activity); owner != "" && owner != v.Actor() {
		return false, fmt.Errorf("object attributed to %s, not %s", owner, v.Actor())
	}
	d.log.Infow("Inbox: received post", "actor", v.Actor(), "object", v.ObjectURI())
	return true, nil
}

func (d *Dispatcher) handleAnnounce(v *Verified) (bool, error) {
	if !d.followedBy(v.Nickname, v.Actor()) {
		d.log.Debugw("Inbox: ignoring boost from unfollowed actor", "actor", v.Actor())
		return false, nil
	}
	return true, nil
}

func attributedTo(activity map[string]any) string {
	obj, ok := activity["object"].(map[string]any)
	if !ok {
		return ""
	}
	owner, _ := obj["attributedTo"].(string)
	return owner
}

func (d *Dispatcher) handleUpdate(ctx context.Context, v *Verified) error {
	switch v.objectType() {
	case "Person", "Service", "Application", "Group", "Organization":
		if v.ObjectURI() != v.Actor() {
			return fmt.Errorf("actor %s cannot update %s", v.Actor(), v.ObjectURI())
		}
		keyId := v.Signer.KeyId
		if obj, ok := v.Activity["object"].(map[string]any); ok {
			if pk, ok := obj["publicKey"].(map[string]any); ok {
				if id, _ := pk["id"].(string); id != "" {
					keyId = id
				}
			}
		}
		if _, _, err := d.keys.Lookup(ctx, keyId, true); err != nil {
			return fmt.Errorf("failed to refresh actor: %w", err)
		}
		d.log.Infow("Inbox: refreshed actor", "actor", v.Actor())
	case "Note", "Article", "Question", "Page":
		if owner := attributedTo(v.Activity); owner != "" && owner != v.Actor() {
			return fmt.Errorf("actor %s cannot edit %s", v.Actor(), v.ObjectURI())
		}
		if err := d.db.UpdateActivityRawJSONByObjectURI(v.ObjectURI(), string(v.Raw)); err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		d.log.Infow("Inbox: updated post", "object", v.ObjectURI())
	default:
		d.log.Debugw("Inbox: unsupported Update", "type", v.objectType())
	}
	return nil
}

func (d *Dispatcher) handleDelete(v *Verified) error {
	objectURI := v.ObjectURI()
	if objectURI == "" {
		return errors.New("could not determine object of Delete")
	}
	if !strings.EqualFold(util.HostOf(objectURI), util.HostOf(v.Actor())) {
		return fmt.Errorf("actor %s cannot delete %s", v.Actor(), objectURI)
	}

	if objectURI == v.Actor() {
		err, remote := d.db.ReadRemoteAccountByURI(objectURI)
		if err != nil {
			return nil
		}
		d.db.DeleteFollowsByRemoteAccountId(remote.Id)
		d.db.DeleteActivitiesByActorURI(remote.ActorURI)
		if err := d.db.DeleteRemoteAccount(remote.Id); err != nil {
			return fmt.Errorf("failed to delete actor: %w", err)
		}
		d.keys.Evict(remote.KeyId)
		d.log.Infow("Inbox: removed deleted actor", "actor", objectURI)
		return nil
	}

	if err := d.db.DeleteActivitiesByObjectURI(objectURI); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	d.log.Infow("Inbox: deleted object", "object", objectURI)
	return nil
}

// resolveNickname picks the local recipient of a shared inbox delivery:
// an addressed local actor, else a local follower of the actor.
func (d *Dispatcher) resolveNickname(activity map[string]any) string {
	var candidates []string
	collect := func(doc map[string]any) {
		for _, field := range []string{"to", "cc", "object"} {
			switch v := doc[field].(type) {
			case string:
				candidates = append(candidates, v)
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						candidates = append(candidates, s)
					}
				}
			}
		}
	}
	collect(activity)
	if obj, ok := activity["object"].(map[string]any); ok {
		collect(obj)
	}
	for _, iri := range candidates {
		if nickname := util.LocalNickname(d.domain, iri); nickname != "" {
			if _, err := d.localAccount(nickname); err == nil {
				return nickname
			}
		}
	}

	actor, _ := activity["actor"].(string)
	err, remote := d.db.ReadRemoteAccountByURI(actor)
	if err != nil {
		return ""
	}
	err, followers := d.db.ReadFollowersByAccountId(remote.Id)
	if err != nil {
		return ""
	}
	for _, follow := range *followers {
		if err, acc := d.db.ReadAccById(follow.AccountId); err == nil {
			return acc.Nickname
		}
	}
	return ""
}
